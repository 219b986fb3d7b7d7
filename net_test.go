package minicenter

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestFabric(t *testing.T, k int) (*Fabric, *Controller, *Topology) {
	t.Helper()
	topo, err := BuildFatTree(k, DefaultBuildCfg())
	require.NoError(t, err)
	fab, ctl := BuildFabric(topo, evtm.New(), nil, nil)
	return fab, ctl, topo
}

func TestFabricDeployment(t *testing.T) {
	fab, _, topo := buildTestFabric(t, 2)

	assert.Len(t, fab.switches, 5)
	assert.Len(t, fab.hosts, 2)

	// e0 numbered its ports in link creation order: h0 first, then a0
	e0 := fab.switches[EdgeName(0)]
	require.Len(t, e0.ports, 2)
	assert.Equal(t, HostName(0), e0.ports[1].peer)
	assert.Equal(t, AggrName(0), e0.ports[2].peer)

	// every switch came up with the table-miss rule installed
	for name, swc := range fab.switches {
		require.Len(t, swc.flows, 1, "switch %s", name)
		miss := swc.flows[0]
		assert.Equal(t, PriorityMiss, miss.priority)
		assert.Equal(t, FlowMatch{}, miss.match)
		assert.Equal(t, []FlowAction{{OutPort: PortController}}, miss.actions)
	}

	// distinct deterministic MACs in host creation order
	mac0, err := fab.HostMAC(HostName(0))
	require.NoError(t, err)
	mac1, err := fab.HostMAC(HostName(1))
	require.NoError(t, err)
	assert.NotEqual(t, mac0, mac1)
	assert.Equal(t, topo.HostCount(), len(fab.hosts))
}

func TestFabricNoLoopsNoBlockedPorts(t *testing.T) {
	fab, _, _ := buildTestFabric(t, 2)

	// the radix-2 tree has no redundant switch links, so STP blocks nothing
	for name, swc := range fab.switches {
		assert.Empty(t, swc.blocked, "switch %s", name)
	}
}

func TestFabricBlocksRedundantLinks(t *testing.T) {
	fab, _, topo := buildTestFabric(t, 4)

	// 32 switch-to-switch links, 19 on the spanning tree of 20 switches,
	// 13 blocked links closing a port at each end
	blocked := 0
	for _, swc := range fab.switches {
		blocked += len(swc.blocked)
	}
	switchLinks := 0
	hostLinks := topo.HostCount()
	switchLinks = len(topo.Links) - hostLinks
	switches := topo.CoreCount() + topo.AggrCount() + topo.EdgeCount()
	assert.Equal(t, 2*(switchLinks-(switches-1)), blocked)
}

func TestFabricLearningExchange(t *testing.T) {
	fab, ctl, _ := buildTestFabric(t, 2)

	mac0, err := fab.HostMAC(HostName(0))
	require.NoError(t, err)
	mac1, err := fab.HostMAC(HostName(1))
	require.NoError(t, err)

	// flood out, learned reply, forward-path install, then a frame that
	// rides installed rules end to end without touching the controller
	require.NoError(t, fab.ScheduleFrame(HostName(0), mac1, layers.EthernetTypeIPv4, []byte("f1"), 0.0))
	require.NoError(t, fab.ScheduleFrame(HostName(1), mac0, layers.EthernetTypeIPv4, []byte("f2"), 0.1))
	require.NoError(t, fab.ScheduleFrame(HostName(0), mac1, layers.EthernetTypeIPv4, []byte("f3"), 0.2))
	require.NoError(t, fab.ScheduleFrame(HostName(0), mac1, layers.EthernetTypeIPv4, []byte("f4"), 0.3))
	fab.Run(1.0)

	// the radix-2 fabric is a 5 switch path; each of the first three
	// frames punts once per switch, the fourth not at all
	assert.Equal(t, 15, fab.Punts())

	got1, err := fab.Received(HostName(1))
	require.NoError(t, err)
	assert.Len(t, got1, 3)

	got0, err := fab.Received(HostName(0))
	require.NoError(t, err)
	assert.Len(t, got0, 1)

	// each switch learned both hosts
	for _, name := range []string{EdgeName(0), AggrName(0), CoreName(0), AggrName(1), EdgeName(1)} {
		table := ctl.MacTable(name)
		assert.Len(t, table, 2, "switch %s", name)
	}

	// e0 heard h0 on its host port and h1 from upstream
	table := ctl.MacTable(EdgeName(0))
	assert.Equal(t, 1, table[mac0.String()])
	assert.Equal(t, 2, table[mac1.String()])
}

func TestFabricFloodReachesEveryHostOnce(t *testing.T) {
	fab, _, topo := buildTestFabric(t, 4)

	unknown := net.HardwareAddr{0x02, 0xff, 0xff, 0xff, 0xff, 0xff}
	require.NoError(t, fab.ScheduleFrame(HostName(0), unknown, layers.EthernetTypeIPv4, []byte("x"), 0.0))
	fab.Run(1.0)

	// the spanning tree visits each of the 20 switches exactly once
	switches := topo.CoreCount() + topo.AggrCount() + topo.EdgeCount()
	assert.Equal(t, switches, fab.Punts())

	for h := 0; h < topo.HostCount(); h++ {
		got, err := fab.Received(HostName(h))
		require.NoError(t, err)
		if h == 0 {
			assert.Empty(t, got, "sender got its own flood back")
		} else {
			assert.Len(t, got, 1, "host %d", h)
		}
	}
}

func TestFabricFlowExpiry(t *testing.T) {
	fab, _, _ := buildTestFabric(t, 2)

	mac0, err := fab.HostMAC(HostName(0))
	require.NoError(t, err)
	mac1, err := fab.HostMAC(HostName(1))
	require.NoError(t, err)

	require.NoError(t, fab.ScheduleFrame(HostName(0), mac1, layers.EthernetTypeIPv4, []byte("f1"), 0.0))
	require.NoError(t, fab.ScheduleFrame(HostName(1), mac0, layers.EthernetTypeIPv4, []byte("f2"), 0.1))
	// well past the 300 second hard timeout; the path must be relearned
	require.NoError(t, fab.ScheduleFrame(HostName(0), mac1, layers.EthernetTypeIPv4, []byte("f3"), 400.0))
	fab.Run(401.0)

	// 5 punts each for the first two frames; the rules installed by the
	// reply have lapsed, so the third frame punts at every switch again
	assert.Equal(t, 15, fab.Punts())

	// the expired reply-path rules are gone; each switch holds the miss
	// rule plus the one installed for the third frame
	for name, swc := range fab.switches {
		assert.Len(t, swc.flows, 2, "switch %s", name)
	}

	got, err := fab.Received(HostName(1))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFabricFreesDroppedFrameBuffers(t *testing.T) {
	fab, ctl, _ := buildTestFabric(t, 2)

	// discovery frames punt, then the controller drops them without a
	// packet-out; their switch buffers must not linger
	dst := net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}
	require.NoError(t, fab.ScheduleFrame(HostName(0), dst,
		layers.EthernetTypeLinkLayerDiscovery, []byte{0x00}, 0.0))
	fab.Run(1.0)

	assert.Equal(t, 1, fab.Punts())
	assert.Empty(t, ctl.MacTable(EdgeName(0)))
	for name, swc := range fab.switches {
		assert.Empty(t, swc.buffers, "switch %s", name)
	}
}

func TestFabricBuffersDrainedAfterExchange(t *testing.T) {
	fab, _, _ := buildTestFabric(t, 2)

	mac1, err := fab.HostMAC(HostName(1))
	require.NoError(t, err)
	require.NoError(t, fab.ScheduleFrame(HostName(0), mac1, layers.EthernetTypeIPv4, []byte("x"), 0.0))
	fab.Run(1.0)

	for name, swc := range fab.switches {
		assert.Empty(t, swc.buffers, "switch %s", name)
	}
}

func TestFabricPortStatusDelivery(t *testing.T) {
	fab, _, _ := buildTestFabric(t, 2)

	require.NoError(t, fab.NotifyPortChange(EdgeName(0), 1, PortDelete))
	assert.Error(t, fab.NotifyPortChange("e99", 1, PortDelete))
}

func TestFabricUnknownHost(t *testing.T) {
	fab, _, _ := buildTestFabric(t, 2)

	_, err := fab.HostMAC("h99")
	assert.Error(t, err)
	_, err = fab.Received("h99")
	assert.Error(t, err)

	err = fab.ScheduleFrame("h99", net.HardwareAddr{0, 1, 2, 3, 4, 5},
		layers.EthernetTypeIPv4, nil, 0.0)
	assert.Error(t, err)
}
