package starnet

// routes.go provides shortest path routes through a topology.
//
// The topology is converted into the data structures of the gonum graph package, which has
// built-in path discovery.  Weighting each link by 1, a shortest path minimizes the number of
// hops.  In a star every route is unique, but the router does not rely on that: it works for
// any connected link set.
//
// The Dijkstra call computes a tree of shortest paths from a named node.  To get the path from
// src to dst we look for a cached tree rooted in src, then for one rooted in dst (whose path
// reversed is the one we want), and failing both compute and cache the tree rooted in src.

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	gtopo "gonum.org/v1/gonum/graph/topo"
)

// router holds the graph form of one topology and its cached shortest-path trees
type router struct {
	mu        sync.Mutex
	connGraph *simple.WeightedUndirectedGraph
	cachedSP  map[NodeID]path.Shortest
}

// buildConnGraph returns a graph with one node per topology node and
// a unit-weight edge per link
func buildConnGraph(tp *Topology) *simple.WeightedUndirectedGraph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))

	// every node, including ones with no link, is present in the graph
	for _, node := range tp.Nodes {
		connGraph.AddNode(simple.Node(node.ID))
	}

	for _, lnk := range tp.Links {
		// self links are reported by Validate, the graph package would panic on them
		if lnk.A == lnk.B {
			continue
		}
		weightedEdge := simple.WeightedEdge{F: simple.Node(lnk.A), T: simple.Node(lnk.B), W: 1.0}
		connGraph.SetWeightedEdge(weightedEdge)
	}

	return connGraph
}

func newRouter(tp *Topology) *router {
	return &router{connGraph: buildConnGraph(tp), cachedSP: make(map[NodeID]path.Shortest)}
}

// getSPTree returns the shortest path tree rooted in from, computing and caching it if needed
func (rt *router) getSPTree(from NodeID) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), rt.connGraph)
	rt.cachedSP[from] = spTree

	return spTree
}

// convertNodeSeq extracts node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []NodeID {
	rtn := make([]NodeID, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, NodeID(node.ID()))
	}

	return rtn
}

// routeFrom returns the node sequence from src to dst, inclusive, or an empty slice
// when dst cannot be reached
func (rt *router) routeFrom(src, dst NodeID) []NodeID {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	// a tree rooted in src answers directly
	if spTree, present := rt.cachedSP[src]; present {
		nodeSeq, _ := spTree.To(int64(dst))
		return convertNodeSeq(nodeSeq)
	}

	// a tree rooted in dst gives the reversed path
	if spTree, present := rt.cachedSP[dst]; present {
		revNodeSeq, _ := spTree.To(int64(src))
		revRoute := convertNodeSeq(revNodeSeq)
		route := make([]NodeID, len(revRoute))
		for idx := range revRoute {
			route[idx] = revRoute[len(revRoute)-idx-1]
		}
		return route
	}

	nodeSeq, _ := rt.getSPTree(src).To(int64(dst))
	return convertNodeSeq(nodeSeq)
}

// routeStep is one hop of a route: the link crossed and the direction of travel
type routeStep struct {
	link LinkID
	from NodeID
	to   NodeID
}

// Route returns the nodes on the shortest path from src to dst, inclusive of both
func (topo *Topology) Route(src, dst NodeID) ([]NodeID, error) {
	if !topo.hasNode(src) || !topo.hasNode(dst) {
		return nil, fmt.Errorf("%w: route between unknown nodes %d and %d", ErrInconsistentTopology, src, dst)
	}
	if src == dst {
		return []NodeID{src}, nil
	}
	route := topo.routes().routeFrom(src, dst)
	if len(route) == 0 {
		return nil, fmt.Errorf("%w: no path from %s to %s", ErrInconsistentTopology,
			topo.Nodes[src].Name(), topo.Nodes[dst].Name())
	}
	return route, nil
}

// routePlan converts the node route from src to dst into the links it crosses
func (topo *Topology) routePlan(src, dst NodeID) ([]routeStep, error) {
	route, err := topo.Route(src, dst)
	if err != nil {
		return nil, err
	}
	steps := make([]routeStep, 0, len(route)-1)
	for idx := 1; idx < len(route); idx++ {
		lnk, present := topo.LinkBetween(route[idx-1], route[idx])
		if !present {
			return nil, fmt.Errorf("%w: no link between %d and %d on route", ErrInconsistentTopology,
				route[idx-1], route[idx])
		}
		steps = append(steps, routeStep{link: lnk.ID, from: route[idx-1], to: route[idx]})
	}
	return steps, nil
}

// CheckConnections reports ErrInconsistentTopology when some node cannot reach another
func (topo *Topology) CheckConnections() error {
	components := topo.ConnectedComponents()
	if len(components) <= 1 {
		return nil
	}
	return fmt.Errorf("%w: topology %q splits into %d disconnected parts", ErrInconsistentTopology,
		topo.Name, len(components))
}

// ConnectedComponents returns node ids grouped by connected component
func (topo *Topology) ConnectedComponents() [][]NodeID {
	cc := gtopo.ConnectedComponents(topo.routes().connGraph)
	rtn := make([][]NodeID, 0, len(cc))
	for _, comp := range cc {
		rtn = append(rtn, convertNodeSeq(comp))
	}
	return rtn
}

// routes returns the topology's router, building it on first use
func (topo *Topology) routes() *router {
	topo.routerOnce.Do(func() {
		topo.rt = newRouter(topo)
	})
	return topo.rt
}
