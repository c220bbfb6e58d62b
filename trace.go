package starnet

// trace.go gathers packet-level events of a simulation run for post-run analysis.
// Recording is inhibited when the TraceManager is not in use, so calls to it can sit
// on every packet path at no cost.

import (
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers information about the nodes of a topology and the passage
// of packets through them
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each node id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by flow id
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a trace record under the flow it belongs to
func (tm *TraceManager) AddTrace(flowID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.Traces[flowID] = append(tm.Traces[flowID], trace)
}

// AddName adds an element to the id -> (name,type) dictionary.  A duplicated id
// keeps its first entry.
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	if _, present := tm.NameByID[id]; present {
		return
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// AddTopology names every node of topo
func (tm *TraceManager) AddTopology(topo *Topology) {
	for _, node := range topo.Nodes {
		tm.AddName(int(node.ID), node.Name(), node.Tier.String())
	}
}

// Len is the number of trace records held
func (tm *TraceManager) Len() int {
	cnt := 0
	for _, traces := range tm.Traces {
		cnt += len(traces)
	}
	return cnt
}

// WriteToFile stores the TraceManager to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	return writeDesc(filename, tm)
}

// trace operations
const (
	opSend    = "send"
	opEnqueue = "enqueue"
	opDrop    = "drop"
	opLoss    = "loss"
	opDeliver = "deliver"
)

// PacketTrace saves the visitation of a packet to a node
type PacketTrace struct {
	Time     float64 `yaml:"time"`
	Ticks    int64   `yaml:"ticks"`
	Priority int64   `yaml:"priority"`
	FlowID   int     `yaml:"flowid"`
	NodeID   int     `yaml:"nodeid"`
	Op       string  `yaml:"op"`
	Seq      int     `yaml:"seq"`
	Ack      bool    `yaml:"ack"`
	Size     int     `yaml:"size"`
}

func (ptr *PacketTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ptr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// addPacketTrace creates a record of a packet event and stores it
func addPacketTrace(tm *TraceManager, vrt vrtime.Time, pkt *packet, nodeID NodeID, op string) {
	if !tm.Active() {
		return
	}
	ptr := &PacketTrace{
		Time:     vrt.Seconds(),
		Ticks:    vrt.Ticks(),
		Priority: vrt.Pri(),
		FlowID:   pkt.flow.flowID,
		NodeID:   int(nodeID),
		Op:       op,
		Seq:      pkt.seq,
		Ack:      pkt.ack,
		Size:     pkt.size,
	}

	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.AddTrace(ptr.FlowID, TraceInst{TraceTime: traceTime, TraceType: "packet", TraceStr: ptr.Serialize()})
}
