package starnet

// plan.go derives the traffic sessions of an experiment from its topology and address book.
// Every downloader receives one session from the server, every uploader sends one session
// to the server.  A session names the data receiver's interface address as its destination,
// whichever end is the client.

import (
	"fmt"
	"iter"
	"net/netip"

	"github.com/iti/starnet/internal/logger"
)

// Role tells which way a session's data travels relative to the server
type Role int

const (
	RoleDownload Role = iota
	RoleUpload
)

func (r Role) String() string {
	if r == RoleUpload {
		return "upload"
	}
	return "download"
}

const (
	// SinkPort is where every packet sink listens
	SinkPort uint16 = 8080

	// firstSrcPort is the first ephemeral port handed to a session source
	firstSrcPort uint16 = 49153

	// MaxSessions is the number of sessions whose sources fit in the ephemeral ports
	MaxSessions = 65535 - int(firstSrcPort) + 1
)

// SessionParams is the timing and rate of every session in one class
type SessionParams struct {
	// Start and Stop bound the source's activity, in simulation seconds
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`

	// Rate is the nominal sending rate while on, bits per second
	Rate int64 `json:"rate" yaml:"rate"`

	// PacketSize is the application payload per packet, bytes
	PacketSize int `json:"packetsize" yaml:"packetsize"`

	// OnTime and OffTime shape the on/off source; OffTime 0 keeps it always on
	OnTime  float64 `json:"ontime" yaml:"ontime"`
	OffTime float64 `json:"offtime" yaml:"offtime"`

	// Dist selects how on and off periods are drawn: "const" uses OnTime and OffTime
	// as given, "exp" draws exponential periods with those means
	Dist string `json:"dist,omitempty" yaml:"dist,omitempty"`
}

// DefaultSessionParams mirrors the on/off application of the experiment scripts
func DefaultSessionParams() SessionParams {
	return SessionParams{Start: 2.0, Stop: 40.0, Rate: 300000, PacketSize: 1500, OnTime: 2.0, OffTime: 1.0}
}

// PlanParams gives separate parameters to download and upload sessions
type PlanParams struct {
	Download SessionParams `json:"download" yaml:"download"`
	Upload   SessionParams `json:"upload" yaml:"upload"`

	// RunDuration bounds every session's stop time
	RunDuration float64 `json:"duration" yaml:"duration"`
}

// DefaultPlanParams uses the script defaults for both classes and a 50 s run
func DefaultPlanParams() PlanParams {
	return PlanParams{Download: DefaultSessionParams(), Upload: DefaultSessionParams(), RunDuration: 50.0}
}

func (sp SessionParams) validate(class string, runDuration float64) error {
	errs := []error{}
	if !(sp.Start >= 0.0) {
		errs = append(errs, fmt.Errorf("%w: %s start %g is negative", ErrInvalidSession, class, sp.Start))
	}
	if !(sp.Start < sp.Stop) {
		errs = append(errs, fmt.Errorf("%w: %s start %g not before stop %g", ErrInvalidSession, class, sp.Start, sp.Stop))
	}
	if sp.Stop > runDuration {
		errs = append(errs, fmt.Errorf("%w: %s stop %g exceeds run duration %g", ErrInvalidSession, class, sp.Stop, runDuration))
	}
	if sp.Rate <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s rate %d must be positive", ErrInvalidSession, class, sp.Rate))
	}
	if sp.PacketSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s packet size %d must be positive", ErrInvalidSession, class, sp.PacketSize))
	}
	if sp.OnTime < 0.0 || sp.OffTime < 0.0 || (sp.OffTime > 0.0 && sp.OnTime == 0.0) {
		errs = append(errs, fmt.Errorf("%w: %s on/off times %g/%g", ErrInvalidSession, class, sp.OnTime, sp.OffTime))
	}
	if _, present := periodSamplers[sp.Dist]; !present {
		errs = append(errs, fmt.Errorf("%w: %s on/off distribution %q", ErrInvalidSession, class, sp.Dist))
	}
	return ReportErrs(errs)
}

// Session is one planned transfer
type Session struct {
	ID   int
	Role Role

	Src NodeID
	Dst NodeID

	// SrcAddr is the sender's interface on the first hop, DstAddr the receiver's on the last
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16

	SessionParams
}

// TrafficPlan is the validated input of a plan.  Its sessions are produced on demand
// and identically every time they are iterated.
type TrafficPlan struct {
	topo   *Topology
	book   *AddressBook
	params PlanParams
}

// BuildPlan checks that the plan can be produced and returns it.  ErrInvalidSession
// reports bad timing or rates; ErrInconsistentTopology reports a node with no address
// on its route to or from the server.  A topology with more than MaxSessions clients
// is refused with ErrInvalidSession.
func BuildPlan(topo *Topology, book *AddressBook, pp PlanParams) (*TrafficPlan, error) {
	errs := []error{
		pp.Download.validate("download", pp.RunDuration),
		pp.Upload.validate("upload", pp.RunDuration),
	}
	if count := len(topo.downloaders) + len(topo.uploaders); count > MaxSessions {
		errs = append(errs, fmt.Errorf("%w: %d sessions, source ports allow %d", ErrInvalidSession,
			count, MaxSessions))
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}

	tp := &TrafficPlan{topo: topo, book: book, params: pp}

	// resolve every session once so that iteration can not fail later
	for _, err := range tp.sessions() {
		if err != nil {
			return nil, err
		}
	}

	logger.PlanLog.Debugf("plan for %q: %d download, %d upload sessions",
		topo.Name, len(topo.downloaders), len(topo.uploaders))

	return tp, nil
}

// endpointAddrs finds the sender's address on the first link of the route and the
// receiver's address on the last
func (tp *TrafficPlan) endpointAddrs(src, dst NodeID) (netip.Addr, netip.Addr, error) {
	steps, err := tp.topo.routePlan(src, dst)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	if len(steps) == 0 {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: session from node %d to itself", ErrInconsistentTopology, src)
	}
	srcAddr, srcOK := tp.book.Addr(steps[0].link, src)
	dstAddr, dstOK := tp.book.Addr(steps[len(steps)-1].link, dst)
	if !srcOK || !dstOK {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: no address for %s -> %s", ErrInconsistentTopology,
			tp.topo.Nodes[src].Name(), tp.topo.Nodes[dst].Name())
	}
	return srcAddr, dstAddr, nil
}

// sessions yields every session paired with the error, if any, that resolving it produced
func (tp *TrafficPlan) sessions() iter.Seq2[Session, error] {
	return func(yield func(Session, error) bool) {
		server := tp.topo.Server()
		id := 0

		mkSession := func(role Role, src, dst NodeID, params SessionParams) (Session, error) {
			srcAddr, dstAddr, err := tp.endpointAddrs(src, dst)
			sn := Session{
				ID:            id,
				Role:          role,
				Src:           src,
				Dst:           dst,
				SrcAddr:       srcAddr,
				DstAddr:       dstAddr,
				SrcPort:       firstSrcPort + uint16(id),
				DstPort:       SinkPort,
				SessionParams: params,
			}
			id += 1
			return sn, err
		}

		for _, node := range tp.topo.downloaders {
			if !yield(mkSession(RoleDownload, server, node, tp.params.Download)) {
				return
			}
		}
		for _, node := range tp.topo.uploaders {
			if !yield(mkSession(RoleUpload, node, server, tp.params.Upload)) {
				return
			}
		}
	}
}

// Sessions is the lazy sequence of planned sessions, downloads first in downloader
// order, then uploads in uploader order.  Ranging over it again recomputes the same plan.
func (tp *TrafficPlan) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for sn, err := range tp.sessions() {
			// BuildPlan has already resolved every session
			if err != nil {
				return
			}
			if !yield(sn) {
				return
			}
		}
	}
}

// All collects the sessions into a slice
func (tp *TrafficPlan) All() []Session {
	rtn := make([]Session, 0, tp.Len())
	for sn := range tp.Sessions() {
		rtn = append(rtn, sn)
	}
	return rtn
}

// Len is the number of sessions in the plan
func (tp *TrafficPlan) Len() int {
	return len(tp.topo.downloaders) + len(tp.topo.uploaders)
}

// Params returns the parameters the plan was built with
func (tp *TrafficPlan) Params() PlanParams {
	return tp.params
}
