package starnet

// report.go turns the flow records a simulator returns into per-flow throughput summaries,
// and the summaries of repeated trials into sample statistics.

import (
	"fmt"
	"io"
	"math"
	"net/netip"
	"sort"

	"github.com/iti/starnet/internal/logger"
	"gonum.org/v1/gonum/stat"
)

// protocol numbers found in flow records
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

var protoToStr = map[uint8]string{ProtoTCP: "TCP", ProtoUDP: "UDP"}

// FiveTuple identifies a flow
type FiveTuple struct {
	Protocol uint8      `json:"protocol" yaml:"protocol"`
	SrcAddr  netip.Addr `json:"srcaddr" yaml:"srcaddr"`
	SrcPort  uint16     `json:"srcport" yaml:"srcport"`
	DstAddr  netip.Addr `json:"dstaddr" yaml:"dstaddr"`
	DstPort  uint16     `json:"dstport" yaml:"dstport"`
}

func (ft FiveTuple) String() string {
	proto, present := protoToStr[ft.Protocol]
	if !present {
		proto = fmt.Sprintf("%d", ft.Protocol)
	}
	return fmt.Sprintf("%s %s/%d --> %s/%d", proto, ft.SrcAddr, ft.SrcPort, ft.DstAddr, ft.DstPort)
}

// Reverse is the tuple of traffic flowing the other way
func (ft FiveTuple) Reverse() FiveTuple {
	return FiveTuple{Protocol: ft.Protocol, SrcAddr: ft.DstAddr, SrcPort: ft.DstPort, DstAddr: ft.SrcAddr, DstPort: ft.SrcPort}
}

// FlowRecord is the snapshot of counters a simulator keeps for one flow.
// Times are simulation seconds.
type FlowRecord struct {
	FlowID      int       `json:"flowid" yaml:"flowid"`
	Tuple       FiveTuple `json:"tuple" yaml:"tuple"`
	TxBytes     int64     `json:"txbytes" yaml:"txbytes"`
	RxBytes     int64     `json:"rxbytes" yaml:"rxbytes"`
	TxPackets   int64     `json:"txpackets" yaml:"txpackets"`
	RxPackets   int64     `json:"rxpackets" yaml:"rxpackets"`
	LostPackets int64     `json:"lostpackets" yaml:"lostpackets"`
	FirstTx     float64   `json:"firsttx" yaml:"firsttx"`
	LastRx      float64   `json:"lastrx" yaml:"lastrx"`
}

// Throughput is rxBytes*8/(lastRx-firstTx)/2^20, in Mbit/s.  A window that is not
// positive has no defined throughput and yields ErrIndeterminateThroughput.
func (fr *FlowRecord) Throughput() (float64, error) {
	window := fr.LastRx - fr.FirstTx
	if !(window > 0.0) {
		return 0.0, fmt.Errorf("%w: flow %d observed over [%g, %g]", ErrIndeterminateThroughput,
			fr.FlowID, fr.FirstTx, fr.LastRx)
	}
	return float64(fr.RxBytes) * 8.0 / window / 1024 / 1024, nil
}

// FlowRole says what a flow carries relative to the planned sessions
type FlowRole int

const (
	FlowOther FlowRole = iota
	FlowDownloadData
	FlowDownloadAck
	FlowUploadData
	FlowUploadAck
)

var flowRoleToStr = map[FlowRole]string{
	FlowOther:        "other",
	FlowDownloadData: "download-data",
	FlowDownloadAck:  "download-ack",
	FlowUploadData:   "upload-data",
	FlowUploadAck:    "upload-ack",
}

func (fr FlowRole) String() string {
	str, present := flowRoleToStr[fr]
	if !present {
		return "other"
	}
	return str
}

// ParseFlowRole is the inverse of String
func ParseFlowRole(str string) (FlowRole, error) {
	for role, name := range flowRoleToStr {
		if name == str {
			return role, nil
		}
	}
	return FlowOther, fmt.Errorf("unknown flow role %q", str)
}

func (fr FlowRole) MarshalText() ([]byte, error) {
	return []byte(fr.String()), nil
}

func (fr *FlowRole) UnmarshalText(text []byte) error {
	role, err := ParseFlowRole(string(text))
	if err != nil {
		return err
	}
	*fr = role
	return nil
}

// RoleClassifier decides the role of a flow from its source and destination address
type RoleClassifier interface {
	Classify(src, dst netip.Addr) FlowRole
}

// AddressClassifier classifies flows with the address book a traffic plan was built from.
// Each address is mapped to the node owning it, and the pair of node tiers gives the role.
type AddressClassifier struct {
	server   NodeID
	tierByID map[NodeID]Tier
	book     *AddressBook
}

// NewAddressClassifier binds a classifier to a topology and its address book
func NewAddressClassifier(topo *Topology, book *AddressBook) *AddressClassifier {
	ac := &AddressClassifier{server: topo.Server(), tierByID: make(map[NodeID]Tier), book: book}
	for _, node := range topo.Nodes {
		ac.tierByID[node.ID] = node.Tier
	}
	return ac
}

// Classify implements RoleClassifier.  Addresses that the book does not know, and pairs
// that no planned session produces, are FlowOther.
func (ac *AddressClassifier) Classify(src, dst netip.Addr) FlowRole {
	srcIntrfc, srcOK := ac.book.Lookup(src)
	dstIntrfc, dstOK := ac.book.Lookup(dst)
	if !srcOK || !dstOK {
		return FlowOther
	}
	srcNode, dstNode := srcIntrfc.Node, dstIntrfc.Node

	switch {
	case srcNode == ac.server && ac.tierByID[dstNode] == TierDownloader:
		return FlowDownloadData
	case ac.tierByID[srcNode] == TierDownloader && dstNode == ac.server:
		return FlowDownloadAck
	case ac.tierByID[srcNode] == TierUploader && dstNode == ac.server:
		return FlowUploadData
	case srcNode == ac.server && ac.tierByID[dstNode] == TierUploader:
		return FlowUploadAck
	}
	return FlowOther
}

// FlowSummary is the report line of one flow.  Indeterminate is set, and Err holds
// ErrIndeterminateThroughput, when the flow's observation window is empty.
type FlowSummary struct {
	Record        FlowRecord `json:"record" yaml:"record"`
	Role          FlowRole   `json:"role" yaml:"role"`
	Throughput    float64    `json:"throughput" yaml:"throughput"`
	Indeterminate bool       `json:"indeterminate" yaml:"indeterminate"`
	Err           error      `json:"-" yaml:"-"`
}

// Stats are sample statistics of a set of throughputs
type Stats struct {
	N         int     `json:"n" yaml:"n"`
	Mean      float64 `json:"mean" yaml:"mean"`
	StdDev    float64 `json:"stddev" yaml:"stddev"`
	HalfWidth float64 `json:"halfwidth" yaml:"halfwidth"`
}

// ConfidenceInterval is the 95% interval around the mean
func (st Stats) ConfidenceInterval() (float64, float64) {
	return st.Mean - st.HalfWidth, st.Mean + st.HalfWidth
}

// z95 is the normal quantile of a two-sided 95% interval
const z95 = 1.96

// Aggregate computes the sample mean, the sample standard deviation and the 95%
// half-width 1.96*sd/sqrt(n).  Fewer than two samples give ErrInsufficientSamples.
func Aggregate(samples []float64) (Stats, error) {
	if len(samples) < 2 {
		return Stats{N: len(samples)}, fmt.Errorf("%w: %d sample(s), need at least 2",
			ErrInsufficientSamples, len(samples))
	}
	for idx, x := range samples {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Stats{N: len(samples)}, fmt.Errorf("%w: sample %d is %g", ErrIndeterminateThroughput, idx, x)
		}
	}

	mean, sd := stat.MeanStdDev(samples, nil)
	n := float64(len(samples))

	return Stats{N: len(samples), Mean: mean, StdDev: sd, HalfWidth: z95 * sd / math.Sqrt(n)}, nil
}

// Report is the summary of one trial, optionally carrying statistics over repeated trials
type Report struct {
	Name    string        `json:"name" yaml:"name"`
	PerFlow []FlowSummary `json:"perflow" yaml:"perflow"`
}

// Summarize classifies every record and computes its throughput.  A record with an empty
// observation window is kept, marked indeterminate, rather than dropped.  Summaries are
// ordered by flow id.
func Summarize(records []FlowRecord, classifier RoleClassifier) *Report {
	rprt := &Report{PerFlow: make([]FlowSummary, 0, len(records))}

	for _, rec := range records {
		fs := FlowSummary{Record: rec, Role: FlowOther}
		if classifier != nil {
			fs.Role = classifier.Classify(rec.Tuple.SrcAddr, rec.Tuple.DstAddr)
		}
		fs.Throughput, fs.Err = rec.Throughput()
		fs.Indeterminate = fs.Err != nil

		rprt.PerFlow = append(rprt.PerFlow, fs)
	}
	sort.SliceStable(rprt.PerFlow, func(i, j int) bool {
		return rprt.PerFlow[i].Record.FlowID < rprt.PerFlow[j].Record.FlowID
	})

	logger.RptLog.Debugf("summarized %d flow records", len(records))

	return rprt
}

// Flows returns the summaries of flows in the given role
func (rprt *Report) Flows(role FlowRole) []FlowSummary {
	rtn := []FlowSummary{}
	for _, fs := range rprt.PerFlow {
		if fs.Role == role {
			rtn = append(rtn, fs)
		}
	}
	return rtn
}

// MeanThroughput averages the determinate throughputs of the flows in a role.
// ErrIndeterminateThroughput is returned when no flow of the role has one.
func (rprt *Report) MeanThroughput(role FlowRole) (float64, error) {
	sum := 0.0
	cnt := 0
	for _, fs := range rprt.Flows(role) {
		if fs.Indeterminate {
			continue
		}
		sum += fs.Throughput
		cnt += 1
	}
	if cnt == 0 {
		return 0.0, fmt.Errorf("%w: no %s flow with a throughput", ErrIndeterminateThroughput, role)
	}
	return sum / float64(cnt), nil
}

// AggregateTrials aggregates, across independent trials, the per-trial mean throughput of role
func AggregateTrials(reports []*Report, role FlowRole) (Stats, error) {
	samples := make([]float64, 0, len(reports))
	errs := []error{}
	for idx, rprt := range reports {
		mean, err := rprt.MeanThroughput(role)
		if err != nil {
			errs = append(errs, fmt.Errorf("trial %d: %w", idx, err))
			continue
		}
		samples = append(samples, mean)
	}
	if len(errs) > 0 {
		return Stats{N: len(samples)}, ReportErrs(errs)
	}
	return Aggregate(samples)
}

// Print writes the report in flow-monitor layout, one block per flow
func (rprt *Report) Print(w io.Writer) error {
	for _, fs := range rprt.PerFlow {
		rec := fs.Record
		lines := []string{
			fmt.Sprintf("FlowID: %d (%s) [%s]\n", rec.FlowID, rec.Tuple, fs.Role),
			fmt.Sprintf("  Tx Bytes: %d\n", rec.TxBytes),
			fmt.Sprintf("  Rx Bytes: %d\n", rec.RxBytes),
			fmt.Sprintf("  Lost Pkt: %d\n", rec.LostPackets),
			fmt.Sprintf("  Flow active: %fs - %fs\n", rec.FirstTx, rec.LastRx),
		}
		if fs.Indeterminate {
			lines = append(lines, "  Throughput: indeterminate\n")
		} else {
			lines = append(lines, fmt.Sprintf("  Throughput: %f Mbps\n", fs.Throughput))
		}
		for _, line := range lines {
			if _, err := io.WriteString(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteToFile serializes the report, json or yaml by the file name's extension
func (rprt *Report) WriteToFile(filename string) error {
	return writeDesc(filename, rprt)
}

// ReadReport deserializes a report from the named file, or from dict if it is not empty
func ReadReport(filename string, useYAML bool, dict []byte) (*Report, error) {
	rprt := new(Report)
	if err := readDesc(filename, useYAML, dict, rprt); err != nil {
		return nil, err
	}

	// indeterminate flows come back without their error
	for idx := range rprt.PerFlow {
		if rprt.PerFlow[idx].Indeterminate {
			_, rprt.PerFlow[idx].Err = rprt.PerFlow[idx].Record.Throughput()
		}
	}
	return rprt, nil
}
