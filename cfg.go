package minicenter

// cfg.go holds the configuration structure handed to the topology builder
// and, through it, to the emulation substrate that instantiates switches

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// BuildCfg carries the hints the substrate needs when it instantiates a
// switch: the OpenFlow protocol version to speak, the behavior when the
// controller is unreachable, and the bridge-level spanning tree settings
// that keep the multipath fabric loop-free underneath the controller.
// The core treats Protocols and FailMode as opaque strings.
type BuildCfg struct {
	// protocol version hint, e.g. "OpenFlow13"
	Protocols string `json:"protocols" yaml:"protocols"`

	// switch behavior on loss of its controller, "standalone" or "secure"
	FailMode string `json:"failmode" yaml:"failmode"`

	// whether bridge-level STP runs beneath the controller.  The
	// controller's learning logic assumes a loop-free flooding domain,
	// so this is on by default.
	EnableSTP bool `json:"enablestp" yaml:"enablestp"`

	// spanning tree convergence timers, in seconds
	StpForwardDelay int `json:"stpforwarddelay" yaml:"stpforwarddelay"`
	StpHelloTime    int `json:"stphellotime" yaml:"stphellotime"`
	StpMaxAge       int `json:"stpmaxage" yaml:"stpmaxage"`
}

// DefaultBuildCfg returns the stock configuration: OpenFlow 1.3 switches
// in standalone fail mode with fast STP timers.
func DefaultBuildCfg() BuildCfg {
	return BuildCfg{
		Protocols:       "OpenFlow13",
		FailMode:        "standalone",
		EnableSTP:       true,
		StpForwardDelay: 4,
		StpHelloTime:    1,
		StpMaxAge:       6,
	}
}

// WriteToFile stores the BuildCfg to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *BuildCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*cfg)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
	} else {
		return fmt.Errorf("unsupported file extension %s", pathExt)
	}

	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		return werr
	}
	return f.Close()
}

// ReadBuildCfg deserializes a byte slice holding a representation of a
// BuildCfg struct.  If the input argument of dict (those bytes) is empty,
// the file whose name is given is read to acquire them.  Fields absent
// from the input keep their default values.
func ReadBuildCfg(filename string, useYAML bool, dict []byte) (*BuildCfg, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := DefaultBuildCfg()

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}
