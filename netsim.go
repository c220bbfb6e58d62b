package starnet

// netsim.go is a packet-level Simulator built on the iti/evt discrete event manager.
//
// Every direction of every link gets a drop-tail transmit queue.  Packets follow the shortest
// route between session endpoints, hop by hop: at each node they join the queue of the next
// link, and at the last node they are delivered to the sink, which returns an acknowledgement
// along the reverse route.  Per-flow counters are kept the way a flow monitor keeps them, by
// five-tuple, with flow ids in order of first transmission.

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/iti/evt/evtm"
	"github.com/iti/rngstream"
	"github.com/iti/starnet/internal/logger"
)

// NetSim is the Simulator of this package.  Each instance it creates draws its loss and
// on/off samples from the NetSim's random stream, so two NetSims given streams created
// in the same order produce identical runs.
type NetSim struct {
	rng   *rngstream.RngStream
	trace *TraceManager
}

// rngstream hands out streams from a package seed that every New advances, and the
// evtm event manager numbers scheduled events from a package counter.  streamMu guards
// the first, runMu serializes the event loops that touch the second.
var (
	streamMu sync.Mutex
	runMu    sync.Mutex
)

// NewNetSim creates a simulator with a fresh random stream of the given name.
// Streams are handed out in creation order, so callers wanting reproducible
// trials create their simulators in a fixed order.
func NewNetSim(name string) *NetSim {
	streamMu.Lock()
	defer streamMu.Unlock()
	return &NetSim{rng: rngstream.New(name)}
}

// newNetSims creates one simulator per name, in order and without another stream being
// handed out in between.  A non-zero seed first resets the package seed, so the same seed
// and names give the same streams in every call.
func newNetSims(seed uint64, names []string) []*NetSim {
	streamMu.Lock()
	defer streamMu.Unlock()
	if seed > 0 {
		rngstream.SetRngStreamMasterSeed(seed)
	}
	sims := make([]*NetSim, 0, len(names))
	for _, name := range names {
		sims = append(sims, &NetSim{rng: rngstream.New(name)})
	}
	return sims
}

// WithTrace attaches a trace manager that records every packet event
func (ns *NetSim) WithTrace(tm *TraceManager) *NetSim {
	ns.trace = tm
	return ns
}

// linkDir names one direction of a link by its sending node
type linkDir struct {
	link LinkID
	from NodeID
}

// netInstance is the Instance NetSim returns
type netInstance struct {
	topo   *Topology
	book   *AddressBook
	evtMgr *evtm.EventManager
	rng    *rngstream.RngStream
	trace  *TraceManager

	txQs    map[linkDir]*txQueue
	sources []*onOffSource
	monitor *flowMonitor

	ran      bool
	tornDown bool
}

// Instantiate builds the transmit queues of topo
func (ns *NetSim) Instantiate(topo *Topology, book *AddressBook) (Instance, error) {
	if topo == nil || book == nil {
		return nil, fmt.Errorf("%w: instantiate needs a topology and its address book", ErrInconsistentTopology)
	}
	if book.Len() != len(topo.Links) {
		return nil, fmt.Errorf("%w: address book covers %d of %d links", ErrInconsistentTopology,
			book.Len(), len(topo.Links))
	}

	inst := &netInstance{
		topo:    topo,
		book:    book,
		evtMgr:  evtm.New(),
		rng:     ns.rng,
		trace:   ns.trace,
		txQs:    make(map[linkDir]*txQueue),
		monitor: createFlowMonitor(),
	}
	for idx := range topo.Links {
		lnk := &topo.Links[idx]
		for _, from := range []NodeID{lnk.A, lnk.B} {
			inst.txQs[linkDir{link: lnk.ID, from: from}] = createTxQueue(lnk, from, ns.rng, inst, pcktArrival)
		}
	}
	if inst.trace.Active() {
		inst.trace.AddTopology(topo)
	}

	logger.SimLog.Debugf("instantiated %q with %d transmit queues", topo.Name, len(inst.txQs))

	return inst, nil
}

func (inst *netInstance) usable() error {
	if inst.tornDown {
		return ErrTornDown
	}
	return nil
}

// AttachTraffic creates a source for every session.  Every session endpoint must own
// the session's address for that end.
func (inst *netInstance) AttachTraffic(sessions iter.Seq[Session]) error {
	if err := inst.usable(); err != nil {
		return err
	}
	if inst.ran {
		return errors.New("traffic attached after the run")
	}

	for sn := range sessions {
		if !inst.topo.hasNode(sn.Src) || !inst.topo.hasNode(sn.Dst) {
			return fmt.Errorf("%w: session %d names unknown nodes %d -> %d", ErrInconsistentTopology,
				sn.ID, sn.Src, sn.Dst)
		}
		srcIntrfc, srcOK := inst.book.Lookup(sn.SrcAddr)
		dstIntrfc, dstOK := inst.book.Lookup(sn.DstAddr)
		if !srcOK || !dstOK || srcIntrfc.Node != sn.Src || dstIntrfc.Node != sn.Dst {
			return fmt.Errorf("%w: session %d addresses %s -> %s do not belong to its nodes",
				ErrInconsistentTopology, sn.ID, sn.SrcAddr, sn.DstAddr)
		}
		if !(sn.Start < sn.Stop) || sn.Rate <= 0 || sn.PacketSize <= 0 {
			return fmt.Errorf("%w: session %d", ErrInvalidSession, sn.ID)
		}

		route, err := inst.topo.routePlan(sn.Src, sn.Dst)
		if err != nil {
			return err
		}
		revRoute, err := inst.topo.routePlan(sn.Dst, sn.Src)
		if err != nil {
			return err
		}
		src := createOnOffSource(sn, route, revRoute, inst.rng, inst.send)
		inst.sources = append(inst.sources, src)
	}

	logger.SimLog.Debugf("attached %d sessions to %q", len(inst.sources), inst.topo.Name)

	return nil
}

// Run starts every source and executes events up to duration seconds
func (inst *netInstance) Run(duration float64) error {
	if err := inst.usable(); err != nil {
		return err
	}
	if inst.ran {
		return errors.New("instance has already run")
	}
	if !(duration > 0.0) {
		return fmt.Errorf("run duration %g must be positive", duration)
	}
	inst.ran = true

	runMu.Lock()
	for _, src := range inst.sources {
		src.start(inst.evtMgr)
	}
	inst.evtMgr.Run(duration)
	runMu.Unlock()

	logger.SimLog.Debugf("run of %q ended at %g s", inst.topo.Name, inst.evtMgr.CurrentSeconds())

	return nil
}

// FlowRecords returns the counters of every flow seen during the run
func (inst *netInstance) FlowRecords() ([]FlowRecord, error) {
	if err := inst.usable(); err != nil {
		return nil, err
	}
	if !inst.ran {
		return nil, errors.New("flow records requested before the run")
	}
	return inst.monitor.records(), nil
}

// Teardown releases the instance.  A second Teardown reports ErrTornDown.
func (inst *netInstance) Teardown() error {
	if err := inst.usable(); err != nil {
		return err
	}
	inst.tornDown = true
	inst.txQs = nil
	inst.sources = nil
	return nil
}

// send enters a packet at the first node of its route
func (inst *netInstance) send(evtMgr *evtm.EventManager, pkt *packet) {
	tuple := pkt.src.tuple
	if pkt.ack {
		tuple = tuple.Reverse()
	}
	pkt.flow = inst.monitor.txPacket(tuple, pkt.size, evtMgr.CurrentSeconds())
	addPacketTrace(inst.trace, evtMgr.CurrentTime(), pkt, pkt.steps[0].from, opSend)

	inst.forward(evtMgr, pkt)
}

// forward hands the packet to the transmit queue of its next hop
func (inst *netInstance) forward(evtMgr *evtm.EventManager, pkt *packet) {
	step := pkt.steps[pkt.hop]
	txq := inst.txQs[linkDir{link: step.link, from: step.from}]

	if !txq.enqueue(evtMgr, pkt) {
		pkt.flow.lostPacket()
		addPacketTrace(inst.trace, evtMgr.CurrentTime(), pkt, step.from, opDrop)
		return
	}
	addPacketTrace(inst.trace, evtMgr.CurrentTime(), pkt, step.from, opEnqueue)
}

// pcktArrival is called by a transmit queue when a packet reaches the far end of its link
func pcktArrival(evtMgr *evtm.EventManager, context any, data any) any {
	inst := context.(*netInstance)
	pkt := data.(*packet)

	// a torn down instance ignores packets still in flight
	if inst.tornDown {
		return nil
	}

	step := pkt.steps[pkt.hop]
	if pkt.lost {
		pkt.flow.lostPacket()
		addPacketTrace(inst.trace, evtMgr.CurrentTime(), pkt, step.to, opLoss)
		return nil
	}

	pkt.hop += 1
	if pkt.hop < len(pkt.steps) {
		inst.forward(evtMgr, pkt)
		return nil
	}

	// last hop, the sink receives it
	pkt.flow.rxPacket(pkt.size, evtMgr.CurrentSeconds())
	addPacketTrace(inst.trace, evtMgr.CurrentTime(), pkt, step.to, opDeliver)

	if !pkt.ack {
		inst.send(evtMgr, pkt.src.ackFor(pkt))
	}
	return nil
}
