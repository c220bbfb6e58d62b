package starnet

// flow.go holds the traffic sources of the packet simulator.  Each planned session becomes an
// on/off source: while on it emits packets of PacketSize bytes at the session rate, while off
// it is silent.  The sink of a data packet answers with an acknowledgement on the reverse
// five-tuple.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

const (
	// headerBytes is added to every payload to form the size counted on the wire
	headerBytes = 40

	// ackBytes is the size of an acknowledgement
	ackBytes = headerBytes
)

// packet is one simulated packet in passage
type packet struct {
	flow  *flowStats
	size  int
	seq   int
	ack   bool
	steps []routeStep
	hop   int
	lost  bool

	// src is the source whose session the packet belongs to
	src *onOffSource
}

// onOffSource generates the data packets of one session
type onOffSource struct {
	session Session
	tuple   FiveTuple

	// forward and reverse routes, as sequences of link crossings
	route    []routeStep
	revRoute []routeStep

	interval float64 // seconds between packets while on
	onUntil  float64 // end of the current on period
	nxtSeq   int

	samplePeriod func(*rngstream.RngStream, float64) float64
	rng          *rngstream.RngStream

	// emit hands a new packet to the network
	emit func(evtMgr *evtm.EventManager, pkt *packet)
}

// createOnOffSource is a constructor
func createOnOffSource(sn Session, route, revRoute []routeStep, rng *rngstream.RngStream,
	emit func(*evtm.EventManager, *packet)) *onOffSource {

	src := &onOffSource{
		session:  sn,
		tuple:    FiveTuple{Protocol: ProtoTCP, SrcAddr: sn.SrcAddr, SrcPort: sn.SrcPort, DstAddr: sn.DstAddr, DstPort: sn.DstPort},
		route:    route,
		revRoute: revRoute,
		interval: roundFloat(float64(8*sn.PacketSize)/float64(sn.Rate), rdigits),
		rng:      rng,
		emit:     emit,
	}
	src.samplePeriod = periodSamplers[sn.Dist]
	if src.samplePeriod == nil {
		src.samplePeriod = sampleConst
	}
	return src
}

// start schedules the first on period at the session's start time
func (src *onOffSource) start(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(src, true, srcPcktArrivals, vrtime.SecondsToTime(src.session.Start))
}

// alwaysOn reports whether the source has no off periods
func (src *onOffSource) alwaysOn() bool {
	return !(src.session.OffTime > 0.0)
}

// srcPcktArrivals is the event handler of a source.  data is true when an on period begins.
func srcPcktArrivals(evtMgr *evtm.EventManager, context any, data any) any {
	src := context.(*onOffSource)
	now := evtMgr.CurrentSeconds()

	// nothing is emitted at or past the stop time
	if now >= src.session.Stop {
		return nil
	}

	if data.(bool) {
		src.onUntil = roundFloat(now+src.samplePeriod(src.rng, src.session.OnTime), rdigits)
	}

	// the on period is over, go quiet for an off period
	if !src.alwaysOn() && now >= src.onUntil {
		off := src.samplePeriod(src.rng, src.session.OffTime)
		evtMgr.Schedule(src, true, srcPcktArrivals, vrtime.SecondsToTime(off))
		return nil
	}

	pkt := &packet{
		size:  src.session.PacketSize + headerBytes,
		seq:   src.nxtSeq,
		steps: src.route,
		src:   src,
	}
	src.nxtSeq += 1
	src.emit(evtMgr, pkt)

	// schedule the next arrival
	evtMgr.Schedule(src, false, srcPcktArrivals, vrtime.SecondsToTime(src.interval))
	return nil
}

// ackFor builds the acknowledgement the sink returns for a delivered data packet
func (src *onOffSource) ackFor(pkt *packet) *packet {
	return &packet{size: ackBytes, seq: pkt.seq, ack: true, steps: src.revRoute, src: src}
}
