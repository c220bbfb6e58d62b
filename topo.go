package starnet

// topo.go builds the star topologies the experiments run on.  A topology is a
// server tier, a downloader tier and an uploader tier, wired to a hub by point-to-point
// links.  In the flat shape the server is itself the hub; in the two-tier shape a gateway
// sits between the server and the clients and the server-gateway link is the core link.
//
// Nodes and links are built once and are not modified afterwards.  Node ids start from
// zero on every call, so topologies built for different trials never share identities.

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/iti/starnet/internal/logger"
	"golang.org/x/exp/slices"
)

// NodeID identifies a node within one topology
type NodeID int

// LinkID identifies a link within one topology.  It is also the link's position
// in Topology.Links and the order in which subnets are allocated.
type LinkID int

// Tier names the group a node belongs to
type Tier int

const (
	TierServer Tier = iota
	TierDownloader
	TierUploader
)

var tierToStr = map[Tier]string{TierServer: "server", TierDownloader: "downloader", TierUploader: "uploader"}

func (t Tier) String() string {
	str, present := tierToStr[t]
	if !present {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return str
}

// tierFromStr is the inverse of Tier.String, used when reading descriptions
func tierFromStr(str string) (Tier, error) {
	for tier, name := range tierToStr {
		if name == str {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", str)
}

// Shape selects between the topology variants
type Shape int

const (
	// ShapeFlat connects every client straight to the server
	ShapeFlat Shape = iota

	// ShapeTwoTier puts a gateway between the server and the clients
	ShapeTwoTier
)

func (s Shape) String() string {
	if s == ShapeTwoTier {
		return "two-tier"
	}
	return "flat"
}

// ParseShape accepts "flat"/"star" and "two-tier"/"twotier"/"tree"
func ParseShape(str string) (Shape, error) {
	switch str {
	case "flat", "star", "":
		return ShapeFlat, nil
	case "two-tier", "twotier", "tree":
		return ShapeTwoTier, nil
	}
	return ShapeFlat, fmt.Errorf("unknown topology shape %q", str)
}

// ServerCount is the size of the server tier the shape needs
func (s Shape) ServerCount() int {
	if s == ShapeTwoTier {
		return 2
	}
	return 1
}

// NodeKey is the typed (tier, index) key for a node
type NodeKey struct {
	Tier  Tier
	Index int
}

// LinkKey is the typed key of a link: the tier and index of its leaf-side node.
// The core link of a two-tier topology is {TierServer, 0}.
type LinkKey struct {
	Tier  Tier
	Index int
}

// CoreLinkKey is the key of the server-gateway link
var CoreLinkKey = LinkKey{Tier: TierServer, Index: 0}

func (lk LinkKey) String() string {
	if lk == CoreLinkKey {
		return "core"
	}
	return fmt.Sprintf("%s[%d]", lk.Tier, lk.Index)
}

// ParseLinkKey reads the form String produces: "core", "downloader[i]" or "uploader[i]"
func ParseLinkKey(str string) (LinkKey, error) {
	if str == "core" {
		return CoreLinkKey, nil
	}
	open := strings.IndexByte(str, '[')
	if open < 1 || !strings.HasSuffix(str, "]") {
		return LinkKey{}, fmt.Errorf("malformed link key %q", str)
	}
	tier, err := tierFromStr(str[:open])
	if err != nil || tier == TierServer {
		return LinkKey{}, fmt.Errorf("malformed link key %q", str)
	}
	index, err := strconv.Atoi(str[open+1 : len(str)-1])
	if err != nil || index < 0 {
		return LinkKey{}, fmt.Errorf("malformed link key %q", str)
	}
	return LinkKey{Tier: tier, Index: index}, nil
}

// Node is one simulated host.  It owns no protocol state
type Node struct {
	ID    NodeID
	Tier  Tier
	Index int
}

// Key returns the node's typed key
func (n Node) Key() NodeKey {
	return NodeKey{Tier: n.Tier, Index: n.Index}
}

// Name is a display name, e.g. "server", "gateway", "downloader[3]"
func (n Node) Name() string {
	if n.Tier == TierServer {
		if n.Index == 0 {
			return "server"
		}
		return "gateway"
	}
	return fmt.Sprintf("%s[%d]", n.Tier, n.Index)
}

// LossModel describes a per-unit error model carried by a link
type LossModel struct {
	Unit string  `json:"unit" yaml:"unit"`
	Rate float64 `json:"rate" yaml:"rate"`
}

// LossUnitPacket is the only loss unit the simulator applies
const LossUnitPacket = "packet"

// LinkParams holds the parameters of one point-to-point link
type LinkParams struct {
	// Rate is the data rate in bits per second
	Rate int64 `json:"rate" yaml:"rate"`

	// Latency is the one-way propagation delay in milliseconds
	Latency int `json:"latency" yaml:"latency"`

	// QueueLength is the drop-tail queue depth in packets of each transmitter
	QueueLength int `json:"queue" yaml:"queue"`

	// Loss is set only on the bottleneck link
	Loss *LossModel `json:"loss,omitempty" yaml:"loss,omitempty"`
}

// DefaultLinkParams mirrors the experiment scripts: 500 kbit/s, 1 ms, 5 packets
func DefaultLinkParams() LinkParams {
	return LinkParams{Rate: 500000, Latency: 1, QueueLength: 5}
}

func (lp LinkParams) validate() error {
	errs := []error{}
	if lp.Rate <= 0 {
		errs = append(errs, fmt.Errorf("data rate %d must be positive", lp.Rate))
	}
	if lp.Latency < 0 {
		errs = append(errs, fmt.Errorf("latency %d must not be negative", lp.Latency))
	}
	if lp.QueueLength < 1 {
		errs = append(errs, fmt.Errorf("queue length %d must be at least 1", lp.QueueLength))
	}
	if lp.Loss != nil {
		if lp.Loss.Unit != LossUnitPacket {
			errs = append(errs, fmt.Errorf("loss unit %q not supported", lp.Loss.Unit))
		}
		if lp.Loss.Rate < 0.0 || lp.Loss.Rate > 1.0 {
			errs = append(errs, fmt.Errorf("loss rate %g outside [0,1]", lp.Loss.Rate))
		}
	}
	return ReportErrs(errs)
}

// Link is an unordered pair of nodes plus parameters.  A is the hub side
// and B the leaf side, which fixes which end takes the first host address.
type Link struct {
	ID     LinkID
	Key    LinkKey
	A      NodeID
	B      NodeID
	Params LinkParams
}

// Has reports whether node is an endpoint of the link
func (lnk *Link) Has(node NodeID) bool {
	return lnk.A == node || lnk.B == node
}

// Peer returns the endpoint opposite node
func (lnk *Link) Peer(node NodeID) NodeID {
	if lnk.A == node {
		return lnk.B
	}
	return lnk.A
}

// TopoParams gathers everything BuildTopology needs.  Per-tier link parameters
// apply to every link of the tier unless LinkOverrides names that link.
type TopoParams struct {
	Name        string
	Shape       Shape
	Downloaders int
	Uploaders   int

	// Core is used only by the two-tier shape
	Core     LinkParams
	Download LinkParams
	Upload   LinkParams

	LinkOverrides map[LinkKey]LinkParams

	// Loss, when non-nil, is attached to the bottleneck link.  Two-tier topologies
	// default the bottleneck to the core link; flat ones must name it.
	Loss       *LossModel
	Bottleneck *LinkKey
}

// DefaultTopoParams returns a flat star with the script defaults for every tier
func DefaultTopoParams() TopoParams {
	return TopoParams{
		Name:        "star",
		Shape:       ShapeFlat,
		Downloaders: 5,
		Uploaders:   5,
		Core:        DefaultLinkParams(),
		Download:    DefaultLinkParams(),
		Upload:      DefaultLinkParams(),
	}
}

// Topology is the node/link graph of one experiment
type Topology struct {
	Name  string
	Shape Shape
	Nodes []Node
	Links []Link

	servers     []NodeID
	downloaders []NodeID
	uploaders   []NodeID

	nodeByKey map[NodeKey]NodeID
	linkByKey map[LinkKey]LinkID

	// links incident on each node, by node id
	incident map[NodeID][]LinkID

	routerOnce sync.Once
	rt         *router
}

// BuildTopology creates the nodes and links described by tp.  Node ids are assigned
// server tier first, then downloaders, then uploaders; links are the core link (two-tier
// only), then one per downloader, then one per uploader.
func BuildTopology(tp TopoParams) (*Topology, error) {
	errs := []error{}
	if tp.Shape != ShapeFlat && tp.Shape != ShapeTwoTier {
		errs = append(errs, fmt.Errorf("%w: unknown shape %d", ErrInconsistentTopology, int(tp.Shape)))
	}
	if tp.Downloaders < 0 {
		errs = append(errs, fmt.Errorf("%w: downloader count %d is negative", ErrInconsistentTopology, tp.Downloaders))
	}
	if tp.Uploaders < 0 {
		errs = append(errs, fmt.Errorf("%w: uploader count %d is negative", ErrInconsistentTopology, tp.Uploaders))
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}

	topo := &Topology{
		Name:      tp.Name,
		Shape:     tp.Shape,
		Nodes:     make([]Node, 0, tp.Shape.ServerCount()+tp.Downloaders+tp.Uploaders),
		nodeByKey: make(map[NodeKey]NodeID),
		linkByKey: make(map[LinkKey]LinkID),
		incident:  make(map[NodeID][]LinkID),
	}

	// nodes, ids dense from zero
	addNode := func(tier Tier, index int) NodeID {
		id := NodeID(len(topo.Nodes))
		topo.Nodes = append(topo.Nodes, Node{ID: id, Tier: tier, Index: index})
		topo.nodeByKey[NodeKey{Tier: tier, Index: index}] = id
		return id
	}
	for idx := 0; idx < tp.Shape.ServerCount(); idx++ {
		topo.servers = append(topo.servers, addNode(TierServer, idx))
	}
	for idx := 0; idx < tp.Downloaders; idx++ {
		topo.downloaders = append(topo.downloaders, addNode(TierDownloader, idx))
	}
	for idx := 0; idx < tp.Uploaders; idx++ {
		topo.uploaders = append(topo.uploaders, addNode(TierUploader, idx))
	}

	// the bottleneck, if a loss model is asked for
	var bottleneck *LinkKey
	if tp.Loss != nil {
		switch {
		case tp.Bottleneck != nil:
			bn := *tp.Bottleneck
			bottleneck = &bn
		case tp.Shape == ShapeTwoTier:
			bn := CoreLinkKey
			bottleneck = &bn
		default:
			return nil, fmt.Errorf("%w: loss model given without a bottleneck link on a flat topology",
				ErrInconsistentTopology)
		}
	}

	hub := topo.Hub()
	addLink := func(key LinkKey, a, b NodeID, tierParams LinkParams) {
		params := tierParams
		if override, present := tp.LinkOverrides[key]; present {
			params = override
		}
		// the loss model lives on exactly one link
		params.Loss = nil
		if bottleneck != nil && *bottleneck == key {
			loss := *tp.Loss
			params.Loss = &loss
		}

		id := LinkID(len(topo.Links))
		topo.Links = append(topo.Links, Link{ID: id, Key: key, A: a, B: b, Params: params})
		topo.linkByKey[key] = id
		topo.incident[a] = append(topo.incident[a], id)
		topo.incident[b] = append(topo.incident[b], id)
	}

	if tp.Shape == ShapeTwoTier {
		addLink(CoreLinkKey, topo.servers[0], hub, tp.Core)
	}
	for idx, node := range topo.downloaders {
		addLink(LinkKey{Tier: TierDownloader, Index: idx}, hub, node, tp.Download)
	}
	for idx, node := range topo.uploaders {
		addLink(LinkKey{Tier: TierUploader, Index: idx}, hub, node, tp.Upload)
	}

	if bottleneck != nil {
		if _, present := topo.linkByKey[*bottleneck]; !present {
			return nil, fmt.Errorf("%w: bottleneck link %s does not exist", ErrInconsistentTopology, *bottleneck)
		}
	}

	if err := topo.Validate(); err != nil {
		return nil, err
	}

	logger.TopoLog.Debugf("built %s topology %q: %d nodes, %d links",
		topo.Shape, topo.Name, len(topo.Nodes), len(topo.Links))

	return topo, nil
}

// Validate checks the structural invariants: link endpoints exist and differ,
// per-link parameters make sense, at most one link carries a loss model, the link
// count matches the shape, and the graph is connected.
func (topo *Topology) Validate() error {
	errs := []error{}
	lossy := 0
	for idx := range topo.Links {
		lnk := &topo.Links[idx]
		if !topo.hasNode(lnk.A) || !topo.hasNode(lnk.B) {
			errs = append(errs, fmt.Errorf("%w: link %s references a node outside the topology",
				ErrInconsistentTopology, lnk.Key))
			continue
		}
		if lnk.A == lnk.B {
			errs = append(errs, fmt.Errorf("%w: link %s connects node %d to itself",
				ErrInconsistentTopology, lnk.Key, lnk.A))
		}
		if err := lnk.Params.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: link %s: %v", ErrInconsistentTopology, lnk.Key, err))
		}
		if lnk.Params.Loss != nil {
			lossy += 1
		}
	}
	if lossy > 1 {
		errs = append(errs, fmt.Errorf("%w: %d links carry a loss model", ErrInconsistentTopology, lossy))
	}

	expected := len(topo.downloaders) + len(topo.uploaders)
	if topo.Shape == ShapeTwoTier {
		expected += 1
	}
	if len(topo.Links) != expected {
		errs = append(errs, fmt.Errorf("%w: %d links, expected %d", ErrInconsistentTopology, len(topo.Links), expected))
	}

	if err := ReportErrs(errs); err != nil {
		return err
	}

	return topo.CheckConnections()
}

func (topo *Topology) hasNode(id NodeID) bool {
	return id >= 0 && int(id) < len(topo.Nodes)
}

// Node returns the node with the given id
func (topo *Topology) Node(id NodeID) (Node, bool) {
	if !topo.hasNode(id) {
		return Node{}, false
	}
	return topo.Nodes[id], true
}

// NodeByKey looks a node up by tier and index
func (topo *Topology) NodeByKey(key NodeKey) (NodeID, bool) {
	id, present := topo.nodeByKey[key]
	return id, present
}

// LinkByKey looks a link up by its key
func (topo *Topology) LinkByKey(key LinkKey) (*Link, bool) {
	id, present := topo.linkByKey[key]
	if !present {
		return nil, false
	}
	return &topo.Links[id], true
}

// Server is the node sourcing downloads and sinking uploads
func (topo *Topology) Server() NodeID {
	return topo.servers[0]
}

// Hub is the node every client link terminates on: the server in a flat star,
// the gateway in a two-tier one
func (topo *Topology) Hub() NodeID {
	return topo.servers[len(topo.servers)-1]
}

// Servers returns the server tier, server first
func (topo *Topology) Servers() []NodeID {
	return slices.Clone(topo.servers)
}

// Downloaders returns the downloader tier in index order
func (topo *Topology) Downloaders() []NodeID {
	return slices.Clone(topo.downloaders)
}

// Uploaders returns the uploader tier in index order
func (topo *Topology) Uploaders() []NodeID {
	return slices.Clone(topo.uploaders)
}

// IncidentLinks lists the links that have node as an endpoint
func (topo *Topology) IncidentLinks(node NodeID) []LinkID {
	return slices.Clone(topo.incident[node])
}

// AccessLink is the single link of a client node.  For the server it is the
// core link in a two-tier topology; a flat server has no single access link.
func (topo *Topology) AccessLink(node NodeID) (*Link, bool) {
	links := topo.incident[node]
	if len(links) != 1 {
		return nil, false
	}
	return &topo.Links[links[0]], true
}

// LinkBetween returns the link joining a and b, if one exists
func (topo *Topology) LinkBetween(a, b NodeID) (*Link, bool) {
	for _, lid := range topo.incident[a] {
		lnk := &topo.Links[lid]
		if lnk.Has(b) && a != b {
			return lnk, true
		}
	}
	return nil, false
}

// Bottleneck returns the link carrying the loss model, if any
func (topo *Topology) Bottleneck() (*Link, bool) {
	for idx := range topo.Links {
		if topo.Links[idx].Params.Loss != nil {
			return &topo.Links[idx], true
		}
	}
	return nil, false
}
