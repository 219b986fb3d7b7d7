package minicenter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteSameEdge(t *testing.T) {
	topo, err := BuildFatTree(4, DefaultBuildCfg())
	require.NoError(t, err)
	rt := BuildRouteTable(topo)

	// h0 and h1 share edge switch e0
	route, err := rt.Route(HostName(0), HostName(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"h0", "e0", "h1"}, route)
}

func TestRouteInterPod(t *testing.T) {
	topo, err := BuildFatTree(4, DefaultBuildCfg())
	require.NoError(t, err)
	rt := BuildRouteTable(topo)

	// pods 0 and 3: up through an aggregation switch and a core, down again
	src := HostName(0)
	dst := HostName(topo.HostCount() - 1)
	route, err := rt.Route(src, dst)
	require.NoError(t, err)

	require.Len(t, route, 7)
	assert.Equal(t, src, route[0])
	assert.Equal(t, dst, route[6])

	tierAt := func(idx int) string {
		node, ok := topo.NodeByName(route[idx])
		require.True(t, ok)
		return node.Tier
	}
	assert.Equal(t, TierEdge, tierAt(1))
	assert.Equal(t, TierAggr, tierAt(2))
	assert.Equal(t, TierCore, tierAt(3))
	assert.Equal(t, TierAggr, tierAt(4))
	assert.Equal(t, TierEdge, tierAt(5))
}

func TestRouteSymmetricReuse(t *testing.T) {
	topo, err := BuildFatTree(4, DefaultBuildCfg())
	require.NoError(t, err)
	rt := BuildRouteTable(topo)

	forward, err := rt.Route(HostName(0), HostName(15))
	require.NoError(t, err)

	// the reverse query reuses the cached tree; endpoints must swap
	backward, err := rt.Route(HostName(15), HostName(0))
	require.NoError(t, err)

	require.Len(t, backward, len(forward))
	assert.Equal(t, forward[0], backward[len(backward)-1])
	assert.Equal(t, forward[len(forward)-1], backward[0])
}

func TestRouteUnknownNode(t *testing.T) {
	topo, err := BuildFatTree(2, DefaultBuildCfg())
	require.NoError(t, err)
	rt := BuildRouteTable(topo)

	_, err = rt.Route("h0", "h99")
	assert.Error(t, err)
	_, err = rt.Route("nope", "h0")
	assert.Error(t, err)
}

func TestPathCount(t *testing.T) {
	topo, err := BuildFatTree(4, DefaultBuildCfg())
	require.NoError(t, err)
	rt := BuildRouteTable(topo)

	// same edge switch: one path
	cnt, err := rt.PathCount(HostName(0), HostName(1))
	require.NoError(t, err)
	assert.Equal(t, 1, cnt)

	// same pod, different edge: one path per pod aggregation switch
	cnt, err = rt.PathCount(HostName(0), HostName(2))
	require.NoError(t, err)
	assert.Equal(t, 2, cnt)

	// different pods: one path per core switch
	cnt, err = rt.PathCount(HostName(0), HostName(topo.HostCount()-1))
	require.NoError(t, err)
	assert.Equal(t, 4, cnt)
}

func TestSpanningTreeLinks(t *testing.T) {
	topo, err := BuildFatTree(4, DefaultBuildCfg())
	require.NoError(t, err)
	rt := BuildRouteTable(topo)

	tree, err := rt.SpanningTreeLinks(CoreName(0))
	require.NoError(t, err)

	// a spanning tree of n connected nodes has n-1 edges
	assert.Len(t, tree, len(topo.Nodes)-1)

	// every tree link is a real topology link
	for key := range tree {
		assert.True(t, topo.HasLink(key[0], key[1]), "tree link %v", key)
	}

	// a host's single link is necessarily its tree edge
	for _, host := range topo.NodesByTier(TierHost) {
		edge := topo.Neighbors(host.Name)[0]
		assert.True(t, tree[linkKey(host.Name, edge)], "host %s", host.Name)
	}
}

func TestSpanningTreeUnknownRoot(t *testing.T) {
	topo, err := BuildFatTree(2, DefaultBuildCfg())
	require.NoError(t, err)
	rt := BuildRouteTable(topo)

	_, err = rt.SpanningTreeLinks("c99")
	assert.Error(t, err)
}
