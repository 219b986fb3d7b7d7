package minicenter

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceInst is one recorded observation, stamped with the virtual time at
// which it happened and tagged with the kind of record serialized into it
type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is an entry in a dictionary created for a trace that maps
// object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager gathers observability records from the emulated fabric
// and the controller's port-status stream for post-run analysis
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records, grouped by the id of the object that emitted them
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the
// experiment and a flag indicating whether the trace manager is active.
// By testing this flag we can inhibit the activity of gathering a trace
// when we don't want it, while embedding calls to its methods everywhere
// we need them when it is.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the trace manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of the trace using its calling arguments, and stores it
func (tm *TraceManager) AddTrace(vrt vrtime.Time, objID int, trace TraceInst) {
	if !tm.InUse {
		return
	}

	_, present := tm.Traces[objID]
	if !present {
		tm.Traces[objID] = make([]TraceInst, 0)
	}
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the accumulated traces to the file whose name is
// given.  Serialization to json or to yaml is selected based on the
// extension of this name.  With globalOrder set the records of all
// objects are merged into one timeline sorted by trace time.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	out := tm
	if globalOrder {
		merged := new(TraceManager)
		merged.InUse = tm.InUse
		merged.ExpName = tm.ExpName
		merged.NameByID = make(map[int]NameType)
		for key, value := range tm.NameByID {
			merged.NameByID[key] = value
		}
		merged.Traces = make(map[int][]TraceInst)
		merged.Traces[0] = make([]TraceInst, 0)
		for _, valueList := range tm.Traces {
			merged.Traces[0] = append(merged.Traces[0], valueList...)
		}

		sort.Slice(merged.Traces[0], func(i, j int) bool {
			v1, _ := strconv.ParseFloat(merged.Traces[0][i].TraceTime, 64)
			v2, _ := strconv.ParseFloat(merged.Traces[0][j].TraceTime, 64)
			return v1 < v2
		})
		out = merged
	}

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*out)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*out, "", "\t")
	} else {
		panic(fmt.Errorf("unsupported trace file extension %s", pathExt))
	}

	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	err := f.Close()
	if err != nil {
		panic(err)
	}
	return true
}

// FrameTrace marks a frame visiting a point in the fabric
type FrameTrace struct {
	Time  float64
	ObjID int
	Port  int
	Op    string // "ingress", "egress", "flood", "punt", "deliver", "drop"
	Src   string
	Dst   string
}

func (ft *FrameTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ft)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// FlowTrace marks flow table activity on a switch
type FlowTrace struct {
	Time        float64
	ObjID       int
	Op          string // "install", "expire", "clear"
	Priority    int
	InPort      int
	EthSrc      string
	EthDst      string
	OutPort     int
	HardTimeout int
}

func (ft *FlowTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ft)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// PortTrace marks a port status change
type PortTrace struct {
	Time   float64
	ObjID  int
	Port   int
	Reason string
}

func (pt *PortTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*pt)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddFrameTrace creates a frame visitation record and stores it
func AddFrameTrace(tm *TraceManager, vrt vrtime.Time, objID, port int, op, src, dst string) {
	if !tm.Active() {
		return
	}
	ft := new(FrameTrace)
	ft.Time = vrt.Seconds()
	ft.ObjID = objID
	ft.Port = port
	ft.Op = op
	ft.Src = src
	ft.Dst = dst

	strTime := strconv.FormatFloat(ft.Time, 'f', -1, 64)
	tm.AddTrace(vrt, objID, TraceInst{TraceTime: strTime, TraceType: "frame", TraceStr: ft.Serialize()})
}

// AddFlowTrace creates a flow table activity record and stores it
func AddFlowTrace(tm *TraceManager, vrt vrtime.Time, objID int, op string,
	priority int, match FlowMatch, outPort, hardTimeout int) {
	if !tm.Active() {
		return
	}
	ft := new(FlowTrace)
	ft.Time = vrt.Seconds()
	ft.ObjID = objID
	ft.Op = op
	ft.Priority = priority
	ft.InPort = match.InPort
	ft.EthSrc = match.EthSrc
	ft.EthDst = match.EthDst
	ft.OutPort = outPort
	ft.HardTimeout = hardTimeout

	strTime := strconv.FormatFloat(ft.Time, 'f', -1, 64)
	tm.AddTrace(vrt, objID, TraceInst{TraceTime: strTime, TraceType: "flow", TraceStr: ft.Serialize()})
}

// AddPortTrace creates a port status record and stores it
func AddPortTrace(tm *TraceManager, vrt vrtime.Time, objID, port int, reason string) {
	if !tm.Active() {
		return
	}
	pt := new(PortTrace)
	pt.Time = vrt.Seconds()
	pt.ObjID = objID
	pt.Port = port
	pt.Reason = reason

	strTime := strconv.FormatFloat(pt.Time, 'f', -1, 64)
	tm.AddTrace(vrt, objID, TraceInst{TraceTime: strTime, TraceType: "port", TraceStr: pt.Serialize()})
}
