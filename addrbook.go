package starnet

// addrbook.go assigns a subnet to every link of a topology and an interface address to
// every link endpoint.  The resulting AddressBook is the single source the traffic plan and
// the flow classifier consult, so the two always agree on which address belongs to which node.

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/iti/starnet/internal/logger"
)

// AddrPlan gives the address template used for each class of link.  Classes that
// share a template draw consecutive indices from a single counter; a class with a template
// of its own starts again at index 0.
type AddrPlan struct {
	Core     string `json:"core" yaml:"core"`
	Download string `json:"download" yaml:"download"`
	Upload   string `json:"upload" yaml:"upload"`
}

// DefaultAddrPlan numbers every link out of DefaultAddrTemplate
func DefaultAddrPlan() AddrPlan {
	return AddrPlan{Core: DefaultAddrTemplate, Download: DefaultAddrTemplate, Upload: DefaultAddrTemplate}
}

// templateFor selects the template of the class the link key belongs to.
// Empty entries fall back to the default template.
func (ap AddrPlan) templateFor(key LinkKey) string {
	var template string
	switch key.Tier {
	case TierServer:
		template = ap.Core
	case TierDownloader:
		template = ap.Download
	case TierUploader:
		template = ap.Upload
	}
	if len(template) == 0 {
		template = DefaultAddrTemplate
	}
	return template
}

// ifKey identifies one interface: the endpoint node on a given link
type ifKey struct {
	link LinkID
	node NodeID
}

// Interface describes one assigned interface address
type Interface struct {
	Link LinkID
	Node NodeID
	Addr netip.Addr
}

// AddressBook holds the subnet of every link and the address of every interface
type AddressBook struct {
	subnets []netip.Prefix
	ifAddr  map[ifKey]netip.Addr
	byAddr  map[netip.Addr]ifKey
}

// AssignSubnets walks the links in order and gives each one the next subnet of its class.
// The hub side (A) of a link takes host .1, the leaf side (B) host .2.  Assignments that
// overlap, which can only come from templates that describe overlapping spaces, are
// reported as ErrInconsistentTopology.
func AssignSubnets(topo *Topology, ap AddrPlan) (*AddressBook, error) {
	book := &AddressBook{
		subnets: make([]netip.Prefix, len(topo.Links)),
		ifAddr:  make(map[ifKey]netip.Addr),
		byAddr:  make(map[netip.Addr]ifKey),
	}

	// one index counter per distinct template, fresh on every call
	nxtIndex := make(map[string]int)
	owner := make(map[netip.Prefix]LinkID)

	for idx := range topo.Links {
		lnk := &topo.Links[idx]
		template := ap.templateFor(lnk.Key)

		subnet, err := Allocate(nxtIndex[template], template)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", lnk.Key, err)
		}
		nxtIndex[template] += 1

		if prev, present := owner[subnet]; present {
			return nil, fmt.Errorf("%w: links %s and %s both assigned %s", ErrInconsistentTopology,
				topo.Links[prev].Key, lnk.Key, subnet)
		}
		owner[subnet] = lnk.ID
		book.subnets[lnk.ID] = subnet

		for hostNum, node := range []NodeID{lnk.A, lnk.B} {
			addr, err := HostAddr(subnet, hostNum+1)
			if err != nil {
				return nil, err
			}
			book.ifAddr[ifKey{link: lnk.ID, node: node}] = addr
			book.byAddr[addr] = ifKey{link: lnk.ID, node: node}
		}
	}

	// /24s from one template never overlap, but different templates can
	if err := book.checkDisjoint(topo); err != nil {
		return nil, err
	}

	logger.TopoLog.Debugf("assigned %d subnets for topology %q", len(book.subnets), topo.Name)

	return book, nil
}

// checkDisjoint sorts the subnets and compares neighbours for overlap
func (book *AddressBook) checkDisjoint(topo *Topology) error {
	order := make([]int, len(book.subnets))
	for idx := range order {
		order[idx] = idx
	}
	sort.Slice(order, func(i, j int) bool {
		return book.subnets[order[i]].Addr().Less(book.subnets[order[j]].Addr())
	})
	for idx := 1; idx < len(order); idx++ {
		a, b := book.subnets[order[idx-1]], book.subnets[order[idx]]
		if a.Overlaps(b) {
			return fmt.Errorf("%w: subnets of links %s and %s overlap (%s, %s)", ErrInconsistentTopology,
				topo.Links[order[idx-1]].Key, topo.Links[order[idx]].Key, a, b)
		}
	}
	return nil
}

// Subnet returns the network assigned to a link
func (book *AddressBook) Subnet(link LinkID) (netip.Prefix, bool) {
	if link < 0 || int(link) >= len(book.subnets) {
		return netip.Prefix{}, false
	}
	return book.subnets[link], true
}

// Addr returns the address of node's interface on link
func (book *AddressBook) Addr(link LinkID, node NodeID) (netip.Addr, bool) {
	addr, present := book.ifAddr[ifKey{link: link, node: node}]
	return addr, present
}

// Lookup maps an address back to the interface that owns it
func (book *AddressBook) Lookup(addr netip.Addr) (Interface, bool) {
	key, present := book.byAddr[addr]
	if !present {
		return Interface{}, false
	}
	return Interface{Link: key.link, Node: key.node, Addr: addr}, true
}

// Interfaces lists every interface of node in link order
func (book *AddressBook) Interfaces(topo *Topology, node NodeID) []Interface {
	rtn := []Interface{}
	for _, lid := range topo.IncidentLinks(node) {
		if addr, present := book.Addr(lid, node); present {
			rtn = append(rtn, Interface{Link: lid, Node: node, Addr: addr})
		}
	}
	return rtn
}

// Len is the number of links with an assigned subnet
func (book *AddressBook) Len() int {
	return len(book.subnets)
}
