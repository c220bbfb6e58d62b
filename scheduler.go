package starnet

// scheduler.go holds the transmit queue of one direction of a link.
//
// A packet handed to a txQueue is put into service if the transmitter is idle, otherwise it
// waits first-come first-served.  The waiting room holds QueueLength packets; an arrival that
// finds it full is dropped (drop-tail).  Service takes the packet's serialization time at the
// link's data rate, after which the packet propagates for the link latency and arrives at the
// far end.  On a link carrying a loss model each arriving packet is discarded with the model's
// probability.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// txQueue serves the packets leaving one node over one link
type txQueue struct {
	link *Link
	from NodeID
	to   NodeID

	rate     float64 // bits per second
	latency  float64 // seconds
	capacity int     // packets waiting, not counting the one in service

	busy    bool
	waiting []*packet

	// lossRate is the per-packet loss probability at the receiving end, zero when lossless
	lossRate float64
	rng      *rngstream.RngStream

	// forwarded is called when a packet that survived transmission reaches the far end
	forwarded evtm.EventHandlerFunction
	cxt       any
}

// createTxQueue is a constructor
func createTxQueue(lnk *Link, from NodeID, rng *rngstream.RngStream, cxt any, forwarded evtm.EventHandlerFunction) *txQueue {
	txq := &txQueue{
		link:      lnk,
		from:      from,
		to:        lnk.Peer(from),
		rate:      float64(lnk.Params.Rate),
		latency:   float64(lnk.Params.Latency) / 1000.0,
		capacity:  lnk.Params.QueueLength,
		waiting:   []*packet{},
		rng:       rng,
		forwarded: forwarded,
		cxt:       cxt,
	}
	if lnk.Params.Loss != nil && lnk.Params.Loss.Unit == LossUnitPacket {
		txq.lossRate = lnk.Params.Loss.Rate
	}
	return txq
}

// serviceTime is the time to put size bytes onto the link
func (txq *txQueue) serviceTime(size int) float64 {
	return roundFloat(float64(8*size)/txq.rate, rdigits)
}

// enqueue either puts the packet in service or in the waiting room.  The return is
// false if the packet was dropped because the waiting room is full.
func (txq *txQueue) enqueue(evtMgr *evtm.EventManager, pkt *packet) bool {
	if !txq.busy {
		txq.startService(evtMgr, pkt)
		return true
	}
	if len(txq.waiting) >= txq.capacity {
		return false
	}
	txq.waiting = append(txq.waiting, pkt)
	return true
}

// startService schedules the end of the packet's transmission
func (txq *txQueue) startService(evtMgr *evtm.EventManager, pkt *packet) {
	txq.busy = true
	evtMgr.Schedule(txq, pkt, txComplete, vrtime.SecondsToTime(txq.serviceTime(pkt.size)))
}

// txComplete is called when the last bit of a packet has been put on the link
func txComplete(evtMgr *evtm.EventManager, context any, data any) any {
	txq := context.(*txQueue)
	pkt := data.(*packet)

	// the packet propagates to the far end
	evtMgr.Schedule(txq, pkt, rxComplete, vrtime.SecondsToTime(txq.latency))

	// FCFS: the first waiting packet goes into service
	if len(txq.waiting) > 0 {
		nxt := txq.waiting[0]
		txq.waiting = txq.waiting[1:]
		txq.startService(evtMgr, nxt)
	} else {
		txq.busy = false
	}
	return nil
}

// rxComplete is called when a packet reaches the far end of the link
func rxComplete(evtMgr *evtm.EventManager, context any, data any) any {
	txq := context.(*txQueue)
	pkt := data.(*packet)

	if txq.lossRate > 0.0 && txq.rng.RandU01() < txq.lossRate {
		pkt.lost = true
	}
	return txq.forwarded(evtMgr, txq.cxt, pkt)
}
