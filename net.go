package minicenter

// net.go implements the in-process emulation substrate: switches, hosts,
// and links instantiated from a Topology, driven by a discrete event
// manager.  Each switch carries a priority-ordered flow table with
// hard-timeout expiry and an in-process control channel to the
// forwarding controller.  The fabric implements both the TopoBuilder
// callback set (so a Topology deploys straight into it) and the
// OpenFlowConn primitives the controller sends on.
//
// Frames move between devices as scheduled events with a fixed per-hop
// latency.  Concurrent arrivals are ordered by a random priority drawn
// from the switch's own rng stream, so ties are broken reproducibly.
//
// Flooding is restricted to a spanning tree of the switch graph when the
// build configuration enables STP, standing in for the bridge-level loop
// prevention that runs beneath the controller in a real deployment.  The
// controller itself performs no loop detection.

import (
	"fmt"
	"net"
	"sort"

	"github.com/gopacket/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	"go.uber.org/zap"
)

// frameLatency is the virtual time taken by one hop across a link
const frameLatency = 10e-6

// portEnd records what sits on the far side of a switch port
type portEnd struct {
	peer     string
	peerPort int // 0 when the peer is a host
}

// flowEntry is one installed rule.  expire is the virtual time at which
// the rule lapses; negative means no hard timeout.
type flowEntry struct {
	priority int
	match    FlowMatch
	actions  []FlowAction
	expire   float64
	serial   int
}

// matches reports whether the entry applies to a frame with the given
// ingress port and addresses.  Zero-valued match fields are wildcards.
func (fe *flowEntry) matches(inPort int, src, dst string) bool {
	if fe.match.InPort != 0 && fe.match.InPort != inPort {
		return false
	}
	if fe.match.EthSrc != "" && fe.match.EthSrc != src {
		return false
	}
	if fe.match.EthDst != "" && fe.match.EthDst != dst {
		return false
	}
	return true
}

// emulSwitch is one emulated switch
type emulSwitch struct {
	fab  *Fabric
	name string
	id   int
	cfg  BuildCfg

	ports      map[int]portEnd
	portByPeer map[string]int

	// blocked ports do not participate in flooding
	blocked map[int]bool

	// flow table, kept sorted by descending priority, install order
	// breaking ties
	flows      []*flowEntry
	nextSerial int

	// packet buffers referenced by frame-in events
	buffers    map[int][]byte
	nextBuffer int

	rng *rngstream.RngStream
}

// emulHost is one emulated host or client endpoint
type emulHost struct {
	fab  *Fabric
	name string
	id   int
	mac  net.HardwareAddr

	attach     string
	attachPort int

	received [][]byte
}

// frameMsg is the event payload for a frame in motion: the bytes and the
// ingress port at the device the event is scheduled on
type frameMsg struct {
	data []byte
	port int
}

// Fabric emulates the switches, hosts, and links of one topology
type Fabric struct {
	evtMgr *evtm.EventManager
	logger *zap.Logger
	trace  *TraceManager

	ctl *Controller
	cfg BuildCfg

	switches map[string]*emulSwitch
	hosts    map[string]*emulHost

	// device creation order, replayed for controller connection
	switchOrder []string

	// object ids are handed out in creation order and registered with
	// the trace manager's name dictionary
	nextID int

	// deterministic MAC assignment, in host creation order
	nextMAC int

	punts int
}

// CreateFabric is a constructor.  A nil logger suppresses logging; a nil
// trace manager records nothing.
func CreateFabric(evtMgr *evtm.EventManager, logger *zap.Logger, trace *TraceManager) *Fabric {
	if logger == nil {
		logger = zap.NewNop()
	}
	if trace == nil {
		trace = CreateTraceManager("fabric", false)
	}
	fab := new(Fabric)
	fab.evtMgr = evtMgr
	fab.logger = logger
	fab.trace = trace
	fab.switches = make(map[string]*emulSwitch)
	fab.hosts = make(map[string]*emulHost)
	fab.switchOrder = make([]string, 0)
	return fab
}

// BuildFabric deploys a topology into a fresh fabric, applies the
// spanning tree port blocking when the build configuration asks for STP,
// creates a controller speaking to the fabric, and connects every switch
// to it in creation order
func BuildFabric(topo *Topology, evtMgr *evtm.EventManager,
	logger *zap.Logger, trace *TraceManager) (*Fabric, *Controller) {

	fab := CreateFabric(evtMgr, logger, trace)
	fab.cfg = topo.Cfg
	topo.Deploy(fab)

	if topo.Cfg.EnableSTP {
		fab.blockLoops(topo)
	}

	ctl := CreateController(fab, logger)
	fab.ConnectController(ctl)
	return fab, ctl
}

// CreateSwitch instantiates an emulated switch.  Part of the TopoBuilder
// callback set; invoked by Topology.Deploy in construction order.
func (fab *Fabric) CreateSwitch(name string, cfg BuildCfg) {
	swc := new(emulSwitch)
	swc.fab = fab
	swc.name = name
	swc.id = fab.nextID
	swc.cfg = cfg
	swc.ports = make(map[int]portEnd)
	swc.portByPeer = make(map[string]int)
	swc.blocked = make(map[int]bool)
	swc.flows = make([]*flowEntry, 0)
	swc.buffers = make(map[int][]byte)
	swc.rng = rngstream.New(name)

	fab.nextID += 1
	fab.switches[name] = swc
	fab.switchOrder = append(fab.switchOrder, name)
	fab.trace.AddName(swc.id, name, "Switch")
}

// CreateHost instantiates an emulated host with a deterministic MAC
// assigned in creation order.  Part of the TopoBuilder callback set.
func (fab *Fabric) CreateHost(name string) {
	host := new(emulHost)
	host.fab = fab
	host.name = name
	host.id = fab.nextID
	fab.nextMAC += 1
	host.mac = net.HardwareAddr{0x00, 0x00, 0x00, 0x00,
		byte(fab.nextMAC >> 8), byte(fab.nextMAC & 0xff)}

	fab.nextID += 1
	fab.hosts[name] = host
	fab.trace.AddName(host.id, name, "Host")
}

// CreateLink wires two devices together, assigning switch port numbers
// in link creation order starting from 1.  Part of the TopoBuilder
// callback set.
func (fab *Fabric) CreateLink(endptA, endptB string) {
	swA, aIsSwitch := fab.switches[endptA]
	swB, bIsSwitch := fab.switches[endptB]

	switch {
	case aIsSwitch && bIsSwitch:
		portA := len(swA.ports) + 1
		portB := len(swB.ports) + 1
		swA.ports[portA] = portEnd{peer: endptB, peerPort: portB}
		swB.ports[portB] = portEnd{peer: endptA, peerPort: portA}
		swA.portByPeer[endptB] = portA
		swB.portByPeer[endptA] = portB
	case aIsSwitch || bIsSwitch:
		swc, hostName := swA, endptB
		if bIsSwitch {
			swc, hostName = swB, endptA
		}
		host, present := fab.hosts[hostName]
		if !present {
			panic(fmt.Errorf("link endpoint %s is neither switch nor host", hostName))
		}
		port := len(swc.ports) + 1
		swc.ports[port] = portEnd{peer: hostName}
		swc.portByPeer[hostName] = port
		host.attach = swc.name
		host.attachPort = port
	default:
		panic(fmt.Errorf("link %s-%s connects no switch", endptA, endptB))
	}
}

// blockLoops closes every switch-to-switch port that lies outside a
// spanning tree of the topology, rooted at the first core switch
func (fab *Fabric) blockLoops(topo *Topology) {
	rt := BuildRouteTable(topo)
	tree, err := rt.SpanningTreeLinks(CoreName(0))
	if err != nil {
		panic(err)
	}

	for _, swc := range fab.switches {
		for port, end := range swc.ports {
			if _, peerIsSwitch := fab.switches[end.peer]; !peerIsSwitch {
				continue
			}
			if !tree[linkKey(swc.name, end.peer)] {
				swc.blocked[port] = true
			}
		}
	}
}

// ConnectController attaches the controller and raises the
// switch-features event for every switch, in creation order
func (fab *Fabric) ConnectController(ctl *Controller) {
	fab.ctl = ctl
	for _, name := range fab.switchOrder {
		ctl.SwitchConnected(name)
	}
}

// Run drives the event manager until the given virtual time
func (fab *Fabric) Run(seconds float64) {
	fab.evtMgr.Run(seconds)
}

// Punts returns the number of frames the fabric has handed to the
// controller, a measure of how well installed rules suppress round-trips
func (fab *Fabric) Punts() int {
	return fab.punts
}

// HostMAC returns the MAC assigned to the named host
func (fab *Fabric) HostMAC(name string) (net.HardwareAddr, error) {
	host, present := fab.hosts[name]
	if !present {
		return nil, fmt.Errorf("host %s not in fabric", name)
	}
	return host.mac, nil
}

// Received returns the frames delivered to the named host so far
func (fab *Fabric) Received(name string) ([][]byte, error) {
	host, present := fab.hosts[name]
	if !present {
		return nil, fmt.Errorf("host %s not in fabric", name)
	}
	return host.received, nil
}

// SendFrame schedules a frame from the named host toward the given
// destination MAC, entering the fabric at the host's edge switch
func (fab *Fabric) SendFrame(hostName string, dst net.HardwareAddr,
	etype layers.EthernetType, payload []byte) error {
	return fab.ScheduleFrame(hostName, dst, etype, payload, 0.0)
}

// ScheduleFrame books a frame injection from the named host at the given
// virtual time offset.  Booking all traffic before a single Run keeps an
// experiment on one pass of the event loop.
func (fab *Fabric) ScheduleFrame(hostName string, dst net.HardwareAddr,
	etype layers.EthernetType, payload []byte, offset float64) error {

	host, present := fab.hosts[hostName]
	if !present {
		return fmt.Errorf("host %s not in fabric", hostName)
	}
	if host.attach == "" {
		return fmt.Errorf("host %s has no link", hostName)
	}

	data := EncodeEthFrame(host.mac, dst, etype, payload)
	swc := fab.switches[host.attach]
	pri := int64(swc.rng.RandInt(1, 1000000))
	fab.evtMgr.Schedule(swc, &frameMsg{data: data, port: host.attachPort},
		arriveSwitch, vrtime.SecondsToTimePri(offset+frameLatency, pri))
	return nil
}

// NotifyPortChange raises a port-status event toward the controller and
// records it in the trace
func (fab *Fabric) NotifyPortChange(sw string, port int, reason PortReason) error {
	swc, present := fab.switches[sw]
	if !present {
		return fmt.Errorf("switch %s not in fabric", sw)
	}
	AddPortTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, port, reason.String())
	if fab.ctl != nil {
		fab.ctl.PortStatus(sw, port, reason)
	}
	return nil
}

// scheduleArrival books the delivery of a frame at a switch port one hop
// of latency from now, with a random priority to order concurrent events
func (fab *Fabric) scheduleArrival(swc *emulSwitch, port int, data []byte) {
	pri := int64(swc.rng.RandInt(1, 1000000))
	fab.evtMgr.Schedule(swc, &frameMsg{data: data, port: port},
		arriveSwitch, vrtime.SecondsToTimePri(frameLatency, pri))
}

// arriveSwitch is the event handler for a frame reaching a switch port
func arriveSwitch(evtMgr *evtm.EventManager, context any, msg any) any {
	swc := context.(*emulSwitch)
	fm := msg.(*frameMsg)
	swc.fab.switchIngress(swc, fm.port, fm.data)
	return nil
}

// arriveHost is the event handler for a frame delivered to a host
func arriveHost(evtMgr *evtm.EventManager, context any, msg any) any {
	host := context.(*emulHost)
	fm := msg.(*frameMsg)
	host.received = append(host.received, fm.data)
	AddFrameTrace(host.fab.trace, evtMgr.CurrentTime(), host.id, 0, "deliver", "", "")
	return nil
}

// switchIngress runs a frame through a switch's flow table
func (fab *Fabric) switchIngress(swc *emulSwitch, inPort int, data []byte) {
	now := fab.evtMgr.CurrentSeconds()

	ef, err := ParseEthFrame(data)
	if err != nil {
		AddFrameTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, inPort, "drop", "", "")
		return
	}
	src := ef.Src.String()
	dst := ef.Dst.String()

	AddFrameTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, inPort, "ingress", src, dst)

	for _, entry := range swc.flows {
		if entry.expire >= 0 && entry.expire <= now {
			continue
		}
		if !entry.matches(inPort, src, dst) {
			continue
		}
		fab.applyActions(swc, inPort, data, src, dst, entry.actions)
		return
	}

	// no rule matched; with the table-miss rule cleared (controller not
	// yet attached) the frame is dropped
	AddFrameTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, inPort, "drop", src, dst)
}

// applyActions executes a rule's (or packet-out's) action list on a frame
func (fab *Fabric) applyActions(swc *emulSwitch, inPort int, data []byte,
	src, dst string, actions []FlowAction) {

	for _, act := range actions {
		switch act.OutPort {
		case PortController:
			fab.punt(swc, inPort, data, src, dst)
		case PortFlood:
			fab.flood(swc, inPort, data, src, dst)
		default:
			fab.forward(swc, act.OutPort, data)
		}
	}
}

// punt buffers the frame and raises a frame-in event on the control channel
func (fab *Fabric) punt(swc *emulSwitch, inPort int, data []byte, src, dst string) {
	if fab.ctl == nil {
		return
	}
	bufID := swc.nextBuffer
	swc.nextBuffer += 1
	swc.buffers[bufID] = data

	fab.punts += 1
	AddFrameTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, inPort, "punt", src, dst)
	fab.ctl.FrameIn(swc.name, inPort, bufID, data, false)

	// a packet-out referencing the buffer consumes it; a frame the
	// controller dropped would otherwise pin its buffer forever
	delete(swc.buffers, bufID)
}

// flood sends the frame out every unblocked port except the ingress, in
// ascending port order
func (fab *Fabric) flood(swc *emulSwitch, inPort int, data []byte, src, dst string) {
	AddFrameTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, inPort, "flood", src, dst)

	ports := make([]int, 0, len(swc.ports))
	for port := range swc.ports {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		if port == inPort || swc.blocked[port] {
			continue
		}
		fab.forward(swc, port, data)
	}
}

// forward books the frame's next hop out the given port
func (fab *Fabric) forward(swc *emulSwitch, outPort int, data []byte) {
	end, present := swc.ports[outPort]
	if !present {
		fab.logger.Warn("output to nonexistent port",
			zap.String("switch", swc.name), zap.Int("port", outPort))
		return
	}

	if peer, peerIsSwitch := fab.switches[end.peer]; peerIsSwitch {
		fab.scheduleArrival(peer, end.peerPort, data)
		return
	}

	host := fab.hosts[end.peer]
	pri := int64(swc.rng.RandInt(1, 1000000))
	fab.evtMgr.Schedule(host, &frameMsg{data: data},
		arriveHost, vrtime.SecondsToTimePri(frameLatency, pri))
}

// InstallFlow adds a rule to a switch's flow table and schedules its
// hard-timeout expiry.  Part of the OpenFlowConn primitives.
func (fab *Fabric) InstallFlow(sw string, priority int, match FlowMatch,
	actions []FlowAction, hardTimeout int) {

	swc, present := fab.switches[sw]
	if !present {
		fab.logger.Warn("flow install for unknown switch", zap.String("switch", sw))
		return
	}

	entry := &flowEntry{
		priority: priority,
		match:    match,
		actions:  actions,
		expire:   -1,
		serial:   swc.nextSerial,
	}
	swc.nextSerial += 1

	outPort := 0
	if len(actions) > 0 {
		outPort = actions[0].OutPort
	}

	if hardTimeout > 0 {
		entry.expire = fab.evtMgr.CurrentSeconds() + float64(hardTimeout)
		fab.evtMgr.Schedule(swc, entry, expireFlowEntry,
			vrtime.SecondsToTime(float64(hardTimeout)))
	}

	swc.flows = append(swc.flows, entry)
	sort.SliceStable(swc.flows, func(i, j int) bool {
		if swc.flows[i].priority != swc.flows[j].priority {
			return swc.flows[i].priority > swc.flows[j].priority
		}
		return swc.flows[i].serial < swc.flows[j].serial
	})

	AddFlowTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, "install",
		priority, match, outPort, hardTimeout)
}

// expireFlowEntry is the event handler for a rule reaching its hard timeout
func expireFlowEntry(evtMgr *evtm.EventManager, context any, msg any) any {
	swc := context.(*emulSwitch)
	entry := msg.(*flowEntry)

	for idx, stored := range swc.flows {
		if stored == entry {
			swc.flows = append(swc.flows[:idx], swc.flows[idx+1:]...)
			outPort := 0
			if len(entry.actions) > 0 {
				outPort = entry.actions[0].OutPort
			}
			AddFlowTrace(swc.fab.trace, evtMgr.CurrentTime(), swc.id, "expire",
				entry.priority, entry.match, outPort, 0)
			break
		}
	}
	return nil
}

// ClearFlows empties a switch's flow table.  Part of the OpenFlowConn
// primitives; issued by the controller on switch connect.
func (fab *Fabric) ClearFlows(sw string) {
	swc, present := fab.switches[sw]
	if !present {
		return
	}
	swc.flows = swc.flows[:0]
	AddFlowTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, "clear",
		0, FlowMatch{}, 0, 0)
}

// SendPacketOut emits a frame from a switch with the given action list,
// resolving a buffer reference when one is supplied.  Part of the
// OpenFlowConn primitives.
func (fab *Fabric) SendPacketOut(sw string, bufferID int, inPort int,
	data []byte, actions []FlowAction) {

	swc, present := fab.switches[sw]
	if !present {
		return
	}

	if bufferID != NoBuffer {
		buffered, held := swc.buffers[bufferID]
		if !held {
			fab.logger.Warn("packet-out references unknown buffer",
				zap.String("switch", sw), zap.Int("buffer", bufferID))
			return
		}
		delete(swc.buffers, bufferID)
		data = buffered
	}
	if len(data) == 0 {
		return
	}

	src, dst := "", ""
	if ef, err := ParseEthFrame(data); err == nil {
		src = ef.Src.String()
		dst = ef.Dst.String()
	}

	AddFrameTrace(fab.trace, fab.evtMgr.CurrentTime(), swc.id, inPort, "egress", src, dst)
	fab.applyActions(swc, inPort, data, src, dst, actions)
}
