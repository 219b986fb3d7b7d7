package minicenter

// routes.go provides shortest path analysis over a built topology.  The
// approach is to convert the topology into the data structures used by a
// graph package with built-in path discovery.  Weighting each edge by 1,
// a shortest path minimizes hop count.  Dijkstra gives a tree of shortest
// paths from a named node, so trees are cached per source and a tree
// rooted in the destination is reused by symmetry.

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// RouteTable wraps the graph representation of one topology together
// with the cache of shortest path trees computed over it
type RouteTable struct {
	topo *Topology

	// graph node id is the node's position in topo.Nodes
	gNodes   map[int]simple.Node
	nameToID map[string]int
	idToName map[int]string

	connGraph graph.Graph

	// key is the id of the tree's source node
	cachedSP map[int]path.Shortest
}

// BuildRouteTable converts the topology's node and link sets into graph
// form.  The topology is not modified and may be shared.
func BuildRouteTable(topo *Topology) *RouteTable {
	rt := new(RouteTable)
	rt.topo = topo
	rt.gNodes = make(map[int]simple.Node)
	rt.nameToID = make(map[string]int)
	rt.idToName = make(map[int]string)
	rt.cachedSP = make(map[int]path.Shortest)

	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))

	for idx, node := range topo.Nodes {
		rt.gNodes[idx] = simple.Node(idx)
		rt.nameToID[node.Name] = idx
		rt.idToName[idx] = node.Name
	}

	for _, link := range topo.Links {
		weightedEdge := simple.WeightedEdge{
			F: rt.gNodes[rt.nameToID[link.EndptA]],
			T: rt.gNodes[rt.nameToID[link.EndptB]],
			W: 1.0,
		}
		connGraph.SetWeightedEdge(weightedEdge)
	}

	rt.connGraph = connGraph
	return rt
}

// spTree returns the shortest path tree rooted in 'from', computing and
// caching it on first use
func (rt *RouteTable) spTree(from int) path.Shortest {
	tree, present := rt.cachedSP[from]
	if present {
		return tree
	}
	tree = path.DijkstraFrom(rt.gNodes[from], rt.connGraph)
	rt.cachedSP[from] = tree
	return tree
}

// Route returns a minimum hop path between the two named nodes, inclusive
// of both, as a sequence of node names.  A tree cached at either endpoint
// is reused; the destination tree's path is reversed by symmetry.
func (rt *RouteTable) Route(src, dst string) ([]string, error) {
	srcID, present := rt.nameToID[src]
	if !present {
		return nil, fmt.Errorf("route source %s not in topology", src)
	}
	dstID, present := rt.nameToID[dst]
	if !present {
		return nil, fmt.Errorf("route destination %s not in topology", dst)
	}

	if tree, cached := rt.cachedSP[dstID]; cached {
		if _, alsoCached := rt.cachedSP[srcID]; !alsoCached {
			nodeSeq, weight := tree.To(int64(srcID))
			if math.IsInf(weight, 1) {
				return nil, fmt.Errorf("no path between %s and %s", src, dst)
			}
			route := rt.convertNodeSeq(nodeSeq)
			for i, j := 0, len(route)-1; i < j; i, j = i+1, j-1 {
				route[i], route[j] = route[j], route[i]
			}
			return route, nil
		}
	}

	tree := rt.spTree(srcID)
	nodeSeq, weight := tree.To(int64(dstID))
	if math.IsInf(weight, 1) {
		return nil, fmt.Errorf("no path between %s and %s", src, dst)
	}
	return rt.convertNodeSeq(nodeSeq), nil
}

// convertNodeSeq extracts topology node names from a sequence of graph nodes
func (rt *RouteTable) convertNodeSeq(nsQ []graph.Node) []string {
	rtn := make([]string, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, rt.idToName[int(node.ID())])
	}
	return rtn
}

// SpanningTreeLinks returns the links kept open for flooding: the edges
// of a shortest path tree rooted at the named node, each keyed by its
// endpoint names in lexical order.  The fabric blocks flooding on every
// switch-to-switch link outside this set, which is what the bridge-level
// spanning tree does beneath the controller.
func (rt *RouteTable) SpanningTreeLinks(root string) (map[[2]string]bool, error) {
	rootID, present := rt.nameToID[root]
	if !present {
		return nil, fmt.Errorf("spanning tree root %s not in topology", root)
	}

	tree := rt.spTree(rootID)
	links := make(map[[2]string]bool)

	for id := range rt.gNodes {
		if id == rootID {
			continue
		}
		nodeSeq, weight := tree.To(int64(id))
		if math.IsInf(weight, 1) || len(nodeSeq) < 2 {
			continue
		}
		// last hop of the path is this node's tree edge
		parent := rt.idToName[int(nodeSeq[len(nodeSeq)-2].ID())]
		links[linkKey(parent, rt.idToName[id])] = true
	}

	return links, nil
}

// PathCount returns the number of distinct minimum hop paths between two
// named nodes.  In a fat tree this is the path diversity the tiers
// preserve: hosts in different pods see one path per usable core switch.
func (rt *RouteTable) PathCount(src, dst string) (int, error) {
	srcID, present := rt.nameToID[src]
	if !present {
		return 0, fmt.Errorf("path count source %s not in topology", src)
	}
	dstID, present := rt.nameToID[dst]
	if !present {
		return 0, fmt.Errorf("path count destination %s not in topology", dst)
	}

	tree := rt.spTree(srcID)
	if math.IsInf(tree.WeightTo(int64(dstID)), 1) {
		return 0, fmt.Errorf("no path between %s and %s", src, dst)
	}

	// count paths over the shortest-path DAG: a node at distance d+1
	// accumulates the counts of its neighbors at distance d
	counts := make(map[int]int)
	counts[srcID] = 1

	// order nodes by distance from the source
	type distNode struct {
		id   int
		dist float64
	}
	ordered := make([]distNode, 0, len(rt.gNodes))
	for id := range rt.gNodes {
		w := tree.WeightTo(int64(id))
		if math.IsInf(w, 1) {
			continue
		}
		ordered = append(ordered, distNode{id: id, dist: w})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].dist < ordered[j].dist })

	for _, dn := range ordered {
		if dn.id == srcID {
			continue
		}
		nbrs := rt.connGraph.From(int64(dn.id))
		for nbrs.Next() {
			nbrID := int(nbrs.Node().ID())
			if tree.WeightTo(int64(nbrID)) == dn.dist-1 {
				counts[dn.id] += counts[nbrID]
			}
		}
	}

	return counts[dstID], nil
}

// linkKey puts a pair of endpoint names into canonical order
func linkKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}
