package minicenter

// controller.go holds the forwarding controller: per-switch MAC learning
// state and the reactions to switch-connect, frame-in, and port-status
// events arriving over the OpenFlow-style control channels

import (
	"sync"

	"go.uber.org/zap"
)

// reserved output ports and flow table constants
const (
	// PortFlood directs a frame out every unblocked port except the ingress
	PortFlood = 0xfffb

	// PortController punts a frame to the controller
	PortController = 0xfffd

	// NoBuffer marks a frame whose bytes travel with the message rather
	// than being held in a switch buffer
	NoBuffer = -1

	// PriorityMiss is the priority of the wildcard table-miss rule
	PriorityMiss = 0

	// PriorityUnicast is the priority of learned unicast rules, above the miss rule
	PriorityUnicast = 1

	// HardTimeout is the lifetime, in seconds, of an installed unicast
	// rule.  There is no renewal: the rule lapses and the next frame on
	// the path triggers relearning.
	HardTimeout = 300
)

// FlowMatch selects the frames a flow rule applies to.  The zero value is
// the full wildcard.  InPort 0 matches any port; switch ports number from 1.
type FlowMatch struct {
	InPort int
	EthSrc string
	EthDst string
}

// FlowAction names the single action a rule or packet-out carries
type FlowAction struct {
	OutPort int
}

// OpenFlowConn is the outbound side of the control channels: the two
// primitives the controller invokes, plus the flow table clear issued on
// connect.  Sends are fire-and-forget; the channel engine owns delivery.
type OpenFlowConn interface {
	InstallFlow(sw string, priority int, match FlowMatch, actions []FlowAction, hardTimeout int)
	SendPacketOut(sw string, bufferID int, inPort int, data []byte, actions []FlowAction)
	ClearFlows(sw string)
}

// PortReason distinguishes the port-status event kinds
type PortReason int

const (
	PortAdd PortReason = iota
	PortDelete
	PortModify
)

func (pr PortReason) String() string {
	switch pr {
	case PortAdd:
		return "add"
	case PortDelete:
		return "delete"
	case PortModify:
		return "modify"
	}
	return "unknown"
}

// switchState is the controller's learning state for one switch.  The
// lock serializes table access when two frames from the same switch are
// handled concurrently; entries are never deleted.
type switchState struct {
	mu        sync.Mutex
	macToPort map[string]int
}

// Controller reacts to control channel events and installs forwarding
// rules.  It is long-lived for the lifetime of the managed network and
// holds no resources beyond the learning tables; the control channels
// themselves are owned and closed by the channel engine.
type Controller struct {
	conn   OpenFlowConn
	logger *zap.Logger

	mu       sync.Mutex
	switches map[string]*switchState
}

// CreateController is a constructor.  A nil logger suppresses logging.
func CreateController(conn OpenFlowConn, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctl := new(Controller)
	ctl.conn = conn
	ctl.logger = logger
	ctl.switches = make(map[string]*switchState)
	return ctl
}

// state returns the learning state for a switch, creating it on first use
func (ctl *Controller) state(sw string) *switchState {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	st, present := ctl.switches[sw]
	if !present {
		st = &switchState{macToPort: make(map[string]int)}
		ctl.switches[sw] = st
	}
	return st
}

// SwitchConnected handles the switch-features event: wipe whatever rules
// survive from a previous controller, then install the wildcard
// table-miss rule that punts unmatched frames to the controller.  Stale
// MAC entries from an earlier connection are left in place; they stop
// being queried once no frames arrive.
func (ctl *Controller) SwitchConnected(sw string) {
	ctl.conn.ClearFlows(sw)
	ctl.conn.InstallFlow(sw, PriorityMiss, FlowMatch{},
		[]FlowAction{{OutPort: PortController}}, 0)
	ctl.logger.Info("switch connected", zap.String("switch", sw))
}

// FrameIn handles a frame punted to the controller from switch sw on
// ingress port inPort.  Truncated payloads are logged and processed
// best-effort; discovery frames are dropped silently; everything else
// learns the source, forwards to the learned destination port or floods,
// and installs a unicast rule when the destination is known.
func (ctl *Controller) FrameIn(sw string, inPort int, bufferID int, data []byte, truncated bool) {
	if truncated {
		ctl.logger.Warn("truncated frame, continuing with partial payload",
			zap.String("switch", sw), zap.Int("inPort", inPort), zap.Int("bytes", len(data)))
	}

	ef, err := ParseEthFrame(data)
	if err != nil {
		ctl.logger.Debug("undecodable frame dropped",
			zap.String("switch", sw), zap.Int("inPort", inPort), zap.Error(err))
		return
	}

	if ef.Discovery() {
		return
	}

	src := ef.Src.String()
	dst := ef.Dst.String()

	ctl.logger.Info("packet in",
		zap.String("switch", sw), zap.String("src", src),
		zap.String("dst", dst), zap.Int("inPort", inPort))

	// learn on every frame, last write wins so a migrated host is
	// relearned at its new port
	st := ctl.state(sw)
	st.mu.Lock()
	st.macToPort[src] = inPort
	outPort, known := st.macToPort[dst]
	st.mu.Unlock()

	if !known {
		outPort = PortFlood
	}

	actions := []FlowAction{{OutPort: outPort}}

	// install a rule to suppress the controller round-trip next time,
	// but only once the destination's location is known
	if outPort != PortFlood {
		ctl.conn.InstallFlow(sw, PriorityUnicast,
			FlowMatch{InPort: inPort, EthSrc: src, EthDst: dst},
			actions, HardTimeout)
	}

	// the frame itself always goes out; a buffered frame is referenced
	// by id instead of re-sending its bytes
	if bufferID != NoBuffer {
		data = nil
	}
	ctl.conn.SendPacketOut(sw, bufferID, inPort, data, actions)
}

// PortStatus handles a port add/delete/modify notification.  The record
// is observability only: learned entries are deliberately not invalidated
// on port change.
func (ctl *Controller) PortStatus(sw string, portNo int, reason PortReason) {
	ctl.logger.Info("port status",
		zap.String("switch", sw), zap.Int("port", portNo),
		zap.String("reason", reason.String()))
}

// MacTable returns a copy of the learning table for one switch, for
// inspection and tests
func (ctl *Controller) MacTable(sw string) map[string]int {
	st := ctl.state(sw)
	st.mu.Lock()
	defer st.mu.Unlock()
	table := make(map[string]int, len(st.macToPort))
	for mac, port := range st.macToPort {
		table[mac] = port
	}
	return table
}
