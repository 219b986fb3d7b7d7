package minicenter

// topo.go holds structs, methods, and data structures supporting the
// construction of and access to k-ary fat-tree topology models.  The
// builder is a pure function of the radix: two builds with the same k
// produce identical node and link sets, in identical construction order,
// and that order is the contract the emulation substrate replays.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/iti/rngstream"
	"gopkg.in/yaml.v3"
)

// tiers a node can occupy.  Core switches and clients sit outside any pod.
const (
	TierCore   = "Core"
	TierAggr   = "Aggr"
	TierEdge   = "Edge"
	TierHost   = "Host"
	TierClient = "Client"
)

// NoPod is the pod index recorded for nodes that belong to no pod
const NoPod = -1

// ErrInvalidRadix is returned when the requested radix is not a positive even integer
var ErrInvalidRadix = errors.New("radix must be a positive even integer")

// ErrInvalidClientCount is returned when a non-positive number of clients is requested
var ErrInvalidClientCount = errors.New("client count must be positive")

// A NodeDesc describes one node of the topology.  ID is unique within the
// node's tier; Name is unique across the whole topology and is derived
// deterministically from the tier and ID.
type NodeDesc struct {
	Name string `json:"name" yaml:"name"`
	Tier string `json:"tier" yaml:"tier"`
	ID   int    `json:"id" yaml:"id"`
	Pod  int    `json:"pod" yaml:"pod"`
}

// A LinkDesc describes an unordered pair of connected nodes.  The stored
// endpoint order is the construction order, kept for replay; equality of
// link sets is judged on the unordered pair.
type LinkDesc struct {
	EndptA string `json:"endpta" yaml:"endpta"`
	EndptB string `json:"endptb" yaml:"endptb"`
}

// A Topology owns the node and link sets built for a given radix.  It is
// not modified after construction, with the single exception of client
// attachment, which is part of the construction phase.
type Topology struct {
	Name  string     `json:"name" yaml:"name"`
	Radix int        `json:"radix" yaml:"radix"`
	Cfg   BuildCfg   `json:"cfg" yaml:"cfg"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`

	// name -> index into Nodes, rebuilt on demand after deserialization
	nodeIdx map[string]int
}

// deterministic names, derived from the tier prefix and tier-local id

// CoreName returns the name of the core switch with the given tier-local id
func CoreName(id int) string { return fmt.Sprintf("c%d", id) }

// AggrName returns the name of the aggregation switch with the given tier-local id
func AggrName(id int) string { return fmt.Sprintf("a%d", id) }

// EdgeName returns the name of the edge switch with the given tier-local id
func EdgeName(id int) string { return fmt.Sprintf("e%d", id) }

// HostName returns the name of the host with the given tier-local id
func HostName(id int) string { return fmt.Sprintf("h%d", id) }

// ClientName returns the name of the client with the given tier-local id
func ClientName(id int) string { return fmt.Sprintf("cl%d", id) }

// TopoBuilder is the callback set an emulation substrate exposes to have
// a topology instantiated.  Deploy invokes these in construction order.
type TopoBuilder interface {
	CreateSwitch(name string, cfg BuildCfg)
	CreateHost(name string)
	CreateLink(endptA, endptB string)
}

// BuildFatTree builds the fat-tree topology with k pods.  The radix is
// validated before any node is created, so an error never leaves a
// partial topology behind.
//
// A fat tree with radix k has
//   - (k/2)^2 core switches
//   - k*(k/2) aggregation switches, k/2 per pod
//   - k*(k/2) edge switches, k/2 per pod
//   - k^3/4 hosts, k/2 per edge switch
func BuildFatTree(k int, cfg BuildCfg) (*Topology, error) {
	if k <= 0 || k%2 != 0 {
		return nil, fmt.Errorf("%w: k=%d", ErrInvalidRadix, k)
	}

	half := k / 2
	hostsPerPod := half * half

	topo := new(Topology)
	topo.Name = fmt.Sprintf("fat-tree-%d", k)
	topo.Radix = k
	topo.Cfg = cfg
	topo.Nodes = make([]NodeDesc, 0, half*half+2*k*half+k*hostsPerPod)
	topo.Links = make([]LinkDesc, 0)
	topo.nodeIdx = make(map[string]int)

	// core switches first, indices 0..(k/2)^2-1
	for i := 0; i < half*half; i++ {
		topo.addNode(CoreName(i), TierCore, i, NoPod)
	}

	// pods in order, each with its aggregation switches, edge switches,
	// and hosts, then the pod's links
	for pod := 0; pod < k; pod++ {
		for j := 0; j < half; j++ {
			id := pod*half + j
			topo.addNode(AggrName(id), TierAggr, id, pod)
		}
		for j := 0; j < half; j++ {
			id := pod*half + j
			topo.addNode(EdgeName(id), TierEdge, id, pod)
		}
		for i := 0; i < hostsPerPod; i++ {
			id := pod*hostsPerPod + i
			topo.addNode(HostName(id), TierHost, id, pod)
		}

		// each edge switch takes a contiguous block of k/2 hosts
		for e := 0; e < half; e++ {
			edge := EdgeName(pod*half + e)
			for j := 0; j < half; j++ {
				host := HostName(pod*hostsPerPod + e*half + j)
				topo.addLink(host, edge)
			}
		}

		// complete bipartite edge <-> aggregation within the pod
		for e := 0; e < half; e++ {
			edge := EdgeName(pod*half + e)
			for a := 0; a < half; a++ {
				topo.addLink(edge, AggrName(pod*half+a))
			}
		}

		// aggregation switch with pod-local index a reaches core
		// switches [a*(k/2), (a+1)*(k/2)).  The mapping is the same in
		// every pod, which gives each core switch exactly one link per
		// pod and every pod a path to every core switch.
		for a := 0; a < half; a++ {
			aggr := AggrName(pod*half + a)
			for j := 0; j < half; j++ {
				topo.addLink(aggr, CoreName(a*half+j))
			}
		}
	}

	return topo, nil
}

// AttachClients links n extra host-like nodes directly to core switches,
// spread over the cores by the named distribution policy.  The rng feeds
// the random policy and may be nil.
func (topo *Topology) AttachClients(n int, policy DistPolicy, rng *rngstream.RngStream) error {
	if n <= 0 {
		return fmt.Errorf("%w: n=%d", ErrInvalidClientCount, n)
	}

	// the topology may have arrived by deserialization
	topo.buildIndex()

	cores := topo.CoreCount()
	dist, err := Distribute(n, cores, policy, rng)
	if err != nil {
		return err
	}

	// the distribution invariants are load-bearing here, check rather than assume
	if len(dist) != cores {
		panic(fmt.Errorf("distribution length %d does not match core count %d", len(dist), cores))
	}
	sum := 0
	for _, cnt := range dist {
		sum += cnt
	}
	if sum != n {
		panic(fmt.Errorf("distribution sum %d does not match client count %d", sum, n))
	}

	// clients already attached keep their ids, new ones continue the sequence
	next := len(topo.NodesByTier(TierClient))
	for bin, cnt := range dist {
		core := CoreName(bin)
		for c := 0; c < cnt; c++ {
			name := ClientName(next)
			topo.addNode(name, TierClient, next, NoPod)
			topo.addLink(name, core)
			next += 1
		}
	}

	return nil
}

// Deploy replays the topology against a substrate's builder callbacks, in
// construction order: all nodes first, then all links.
func (topo *Topology) Deploy(b TopoBuilder) {
	for _, node := range topo.Nodes {
		switch node.Tier {
		case TierCore, TierAggr, TierEdge:
			b.CreateSwitch(node.Name, topo.Cfg)
		case TierHost, TierClient:
			b.CreateHost(node.Name)
		}
	}
	for _, link := range topo.Links {
		b.CreateLink(link.EndptA, link.EndptB)
	}
}

func (topo *Topology) addNode(name, tier string, id, pod int) {
	if _, present := topo.nodeIdx[name]; present {
		panic(fmt.Errorf("duplicated node name %s", name))
	}
	topo.nodeIdx[name] = len(topo.Nodes)
	topo.Nodes = append(topo.Nodes, NodeDesc{Name: name, Tier: tier, ID: id, Pod: pod})
}

func (topo *Topology) addLink(endptA, endptB string) {
	if _, present := topo.nodeIdx[endptA]; !present {
		panic(fmt.Errorf("link endpoint %s not a known node", endptA))
	}
	if _, present := topo.nodeIdx[endptB]; !present {
		panic(fmt.Errorf("link endpoint %s not a known node", endptB))
	}
	topo.Links = append(topo.Links, LinkDesc{EndptA: endptA, EndptB: endptB})
}

// NodeByName returns the description of the named node and a flag
// indicating whether it exists
func (topo *Topology) NodeByName(name string) (NodeDesc, bool) {
	topo.buildIndex()
	idx, present := topo.nodeIdx[name]
	if !present {
		return NodeDesc{}, false
	}
	return topo.Nodes[idx], true
}

// NodesByTier returns the nodes of the given tier, in construction order
func (topo *Topology) NodesByTier(tier string) []NodeDesc {
	nodes := make([]NodeDesc, 0)
	for _, node := range topo.Nodes {
		if node.Tier == tier {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// CoreCount returns the number of core switches, (k/2)^2
func (topo *Topology) CoreCount() int { return (topo.Radix / 2) * (topo.Radix / 2) }

// AggrCount returns the number of aggregation switches, k*(k/2)
func (topo *Topology) AggrCount() int { return topo.Radix * (topo.Radix / 2) }

// EdgeCount returns the number of edge switches, k*(k/2)
func (topo *Topology) EdgeCount() int { return topo.Radix * (topo.Radix / 2) }

// HostCount returns the number of hosts, k^3/4
func (topo *Topology) HostCount() int {
	return topo.Radix * topo.Radix * topo.Radix / 4
}

// Degree returns a map from node name to the number of links incident to it
func (topo *Topology) Degree() map[string]int {
	deg := make(map[string]int, len(topo.Nodes))
	for _, node := range topo.Nodes {
		deg[node.Name] = 0
	}
	for _, link := range topo.Links {
		deg[link.EndptA] += 1
		deg[link.EndptB] += 1
	}
	return deg
}

// Neighbors returns the names of nodes directly linked to the named node,
// in link construction order
func (topo *Topology) Neighbors(name string) []string {
	nbrs := make([]string, 0)
	for _, link := range topo.Links {
		if link.EndptA == name {
			nbrs = append(nbrs, link.EndptB)
		} else if link.EndptB == name {
			nbrs = append(nbrs, link.EndptA)
		}
	}
	return nbrs
}

// HasLink reports whether the two named nodes are directly connected,
// in either endpoint order
func (topo *Topology) HasLink(endptA, endptB string) bool {
	for _, link := range topo.Links {
		if (link.EndptA == endptA && link.EndptB == endptB) ||
			(link.EndptA == endptB && link.EndptB == endptA) {
			return true
		}
	}
	return false
}

// buildIndex recreates the name lookup map, needed after deserialization
func (topo *Topology) buildIndex() {
	if topo.nodeIdx != nil {
		return
	}
	topo.nodeIdx = make(map[string]int, len(topo.Nodes))
	for idx, node := range topo.Nodes {
		topo.nodeIdx[node.Name] = idx
	}
}

// WriteToFile stores the Topology to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (topo *Topology) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*topo)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*topo, "", "\t")
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

// ReadTopo deserializes a byte slice holding a representation of a
// Topology.  If the input argument of dict (those bytes) is empty, the
// file whose name is given is read to acquire them.
func ReadTopo(filename string, useYAML bool, dict []byte) (*Topology, error) {
	var err error

	if len(dict) == 0 {
		fileInfo, serr := os.Stat(filename)
		if os.IsNotExist(serr) || (serr == nil && fileInfo.IsDir()) {
			return nil, fmt.Errorf("topology %s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := Topology{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	example.buildIndex()
	return &example, nil
}
