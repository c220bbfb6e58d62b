package starnet

// flow-sim.go holds the flow monitor of the packet simulator: the per-flow counters
// that become FlowRecords at the end of a run, and the samplers that draw the on and off
// periods of the traffic sources.
import (
	"math"
	"sort"

	"github.com/iti/rngstream"
)

// flowStats accumulates the counters of one five-tuple
type flowStats struct {
	flowID  int
	tuple   FiveTuple
	txBytes int64
	rxBytes int64
	txPkts  int64
	rxPkts  int64
	lost    int64

	// time of the first transmission and the last reception; hasRx is false
	// until something is received
	firstTx float64
	lastRx  float64
	hasRx   bool
}

// flowMonitor hands out flow ids in order of first transmission, starting at 1
type flowMonitor struct {
	byTuple map[FiveTuple]*flowStats
	nxtID   int
}

func createFlowMonitor() *flowMonitor {
	return &flowMonitor{byTuple: make(map[FiveTuple]*flowStats), nxtID: 1}
}

// txPacket records a transmission, creating the flow on its first packet
func (fm *flowMonitor) txPacket(tuple FiveTuple, size int, time float64) *flowStats {
	fs, present := fm.byTuple[tuple]
	if !present {
		fs = &flowStats{flowID: fm.nxtID, tuple: tuple, firstTx: time}
		fm.nxtID += 1
		fm.byTuple[tuple] = fs
	}
	fs.txBytes += int64(size)
	fs.txPkts += 1
	return fs
}

// rxPacket records a delivery to the flow's sink
func (fs *flowStats) rxPacket(size int, time float64) {
	fs.rxBytes += int64(size)
	fs.rxPkts += 1
	fs.lastRx = time
	fs.hasRx = true
}

// lostPacket records a drop, by queue overflow or by the loss model
func (fs *flowStats) lostPacket() {
	fs.lost += 1
}

// records snapshots every flow, ordered by flow id.  A flow with no reception reports
// LastRx equal to FirstTx, so its throughput is indeterminate.
func (fm *flowMonitor) records() []FlowRecord {
	rtn := make([]FlowRecord, 0, len(fm.byTuple))
	for _, fs := range fm.byTuple {
		lastRx := fs.lastRx
		if !fs.hasRx {
			lastRx = fs.firstTx
		}
		rtn = append(rtn, FlowRecord{
			FlowID:      fs.flowID,
			Tuple:       fs.tuple,
			TxBytes:     fs.txBytes,
			RxBytes:     fs.rxBytes,
			TxPackets:   fs.txPkts,
			RxPackets:   fs.rxPkts,
			LostPackets: fs.lost,
			FirstTx:     fs.firstTx,
			LastRx:      lastRx,
		})
	}
	sort.Slice(rtn, func(i, j int) bool { return rtn[i].FlowID < rtn[j].FlowID })
	return rtn
}

var rdigits uint = 12

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of a exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV draws a period with the given mean
func sampleExpRV(rng *rngstream.RngStream, mean float64) float64 {
	if !(mean > 0.0) {
		return 0.0
	}
	return expRV(rng.RandU01(), 1.0/mean)
}

// sampleConst returns the mean itself, consuming no random numbers
func sampleConst(rng *rngstream.RngStream, mean float64) float64 {
	return mean
}

// periodSamplers maps SessionParams.Dist to the function drawing on and off periods
var periodSamplers = map[string]func(*rngstream.RngStream, float64) float64{
	"":            sampleConst,
	"const":       sampleConst,
	"constant":    sampleConst,
	"exp":         sampleExpRV,
	"exponential": sampleExpRV,
}
