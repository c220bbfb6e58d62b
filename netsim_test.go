package starnet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steadyParams is one always-on class sending a 1000 byte payload every 1/16 s
// between 2 s and 4 s, on a run of 10 s
func steadyParams() PlanParams {
	sp := SessionParams{Start: 2.0, Stop: 4.0, Rate: 128000, PacketSize: 1000, OnTime: 1.0, OffTime: 0.0}
	return PlanParams{Download: sp, Upload: sp, RunDuration: 10.0}
}

// simulateStar builds the topology, address book and plan and runs them on a fresh NetSim
func simulateStar(t *testing.T, name string, tp TopoParams, pp PlanParams) (*Topology, *AddressBook, []FlowRecord) {
	t.Helper()
	topo, book := buildStar(t, tp)
	plan, err := BuildPlan(topo, book, pp)
	require.NoError(t, err)

	records, err := Simulate(NewNetSim(name), topo, book, plan)
	require.NoError(t, err)
	return topo, book, records
}

func TestNetSimSingleDownload(t *testing.T) {
	topo, book, records := simulateStar(t, "single-download", starParams(ShapeFlat, 1, 0), steadyParams())
	require.Len(t, records, 2)

	rprt := Summarize(records, NewAddressClassifier(topo, book))
	data := rprt.Flows(FlowDownloadData)
	acks := rprt.Flows(FlowDownloadAck)
	require.Len(t, data, 1)
	require.Len(t, acks, 1)

	rec := data[0].Record
	assert.Equal(t, 1, rec.FlowID)
	assert.Equal(t, ProtoTCP, rec.Tuple.Protocol)
	assert.InDelta(t, 32, rec.TxPackets, 1)
	assert.Equal(t, rec.TxPackets, rec.RxPackets)
	assert.Equal(t, int64(0), rec.LostPackets)
	assert.Equal(t, rec.TxPackets*int64(1000+headerBytes), rec.TxBytes)
	assert.InDelta(t, 2.0, rec.FirstTx, 1e-9)
	assert.Greater(t, rec.LastRx, rec.FirstTx)
	assert.Less(t, rec.LastRx, 5.0)

	// one acknowledgement per delivered packet, on the reversed tuple
	ack := acks[0].Record
	assert.Equal(t, 2, ack.FlowID)
	assert.Equal(t, rec.Tuple.Reverse(), ack.Tuple)
	assert.Equal(t, rec.RxPackets, ack.TxPackets)
	assert.Equal(t, ack.TxPackets*int64(ackBytes), ack.TxBytes)

	// roughly the offered load: 1040 bytes every 1/16 s
	assert.False(t, data[0].Indeterminate)
	assert.InDelta(t, 1040.0*8*16/1024/1024, data[0].Throughput, 0.02)
}

func TestNetSimDownloadsAndUploads(t *testing.T) {
	topo, book, records := simulateStar(t, "mixed", starParams(ShapeTwoTier, 3, 2), steadyParams())

	// a data flow and an ack flow per session
	require.Len(t, records, 10)
	for idx, rec := range records {
		assert.Equal(t, idx+1, rec.FlowID)
	}

	rprt := Summarize(records, NewAddressClassifier(topo, book))
	assert.Len(t, rprt.Flows(FlowDownloadData), 3)
	assert.Len(t, rprt.Flows(FlowDownloadAck), 3)
	assert.Len(t, rprt.Flows(FlowUploadData), 2)
	assert.Len(t, rprt.Flows(FlowUploadAck), 2)
	assert.Empty(t, rprt.Flows(FlowOther))

	for _, role := range []FlowRole{FlowDownloadData, FlowUploadData} {
		for _, fs := range rprt.Flows(role) {
			assert.Positive(t, fs.Record.RxPackets, role.String())
			assert.False(t, fs.Indeterminate)
		}
	}
}

func TestNetSimQueueOverflow(t *testing.T) {
	// offered 1 Mbit/s into a 500 kbit/s link with a 5 packet queue
	pp := steadyParams()
	pp.Download.Rate = 1000000
	_, _, records := simulateStar(t, "overflow", starParams(ShapeFlat, 1, 0), pp)
	require.NotEmpty(t, records)

	data := records[0]
	assert.Positive(t, data.LostPackets)
	assert.Positive(t, data.RxPackets)
	// the run outlasts the session, so every packet was delivered or dropped
	assert.Equal(t, data.TxPackets, data.RxPackets+data.LostPackets)
}

func TestNetSimLoss(t *testing.T) {
	t.Run("TestTotalLoss", func(t *testing.T) {
		tp := starParams(ShapeTwoTier, 1, 0)
		tp.Loss = &LossModel{Unit: LossUnitPacket, Rate: 1.0}
		topo, book, records := simulateStar(t, "total-loss", tp, steadyParams())

		// nothing arrives, so no acknowledgement flow ever starts
		require.Len(t, records, 1)
		rec := records[0]
		assert.Positive(t, rec.TxPackets)
		assert.Equal(t, int64(0), rec.RxPackets)
		assert.Equal(t, rec.TxPackets, rec.LostPackets)
		assert.Equal(t, rec.FirstTx, rec.LastRx)

		rprt := Summarize(records, NewAddressClassifier(topo, book))
		assert.True(t, rprt.PerFlow[0].Indeterminate)
		assert.ErrorIs(t, rprt.PerFlow[0].Err, ErrIndeterminateThroughput)
	})

	t.Run("TestLossOffBottleneck", func(t *testing.T) {
		// the lossy link carries only the other downloader's traffic
		tp := starParams(ShapeFlat, 2, 0)
		tp.Loss = &LossModel{Unit: LossUnitPacket, Rate: 1.0}
		bn := LinkKey{Tier: TierDownloader, Index: 1}
		tp.Bottleneck = &bn
		topo, book, records := simulateStar(t, "partial-loss", tp, steadyParams())

		lossy, _ := topo.LinkByKey(bn)
		rprt := Summarize(records, NewAddressClassifier(topo, book))
		data := rprt.Flows(FlowDownloadData)
		require.Len(t, data, 2)
		for _, fs := range data {
			intrfc, present := book.Lookup(fs.Record.Tuple.DstAddr)
			require.True(t, present)
			if intrfc.Link == lossy.ID {
				assert.Equal(t, fs.Record.TxPackets, fs.Record.LostPackets)
				continue
			}
			assert.Equal(t, int64(0), fs.Record.LostPackets)
			assert.Equal(t, fs.Record.TxPackets, fs.Record.RxPackets)
		}
	})
}

func TestNetSimOnOff(t *testing.T) {
	pp := steadyParams()
	pp.Download.Stop = 6.0
	pp.Download.OnTime = 1.0
	pp.Download.OffTime = 1.0
	pp.Download.Dist = "const"

	_, _, records := simulateStar(t, "on-off", starParams(ShapeFlat, 1, 0), pp)
	require.NotEmpty(t, records)

	// on for [2,3) and [4,5): half the packets of an always-on source
	assert.InDelta(t, 32, records[0].TxPackets, 2)
}

func TestNetSimDeterministic(t *testing.T) {
	// constant on/off periods and no loss model leave nothing to chance
	pp := steadyParams()
	pp.Download.OffTime = 0.5
	pp.Download.Stop = 6.0

	tp := starParams(ShapeTwoTier, 2, 1)
	_, _, first := simulateStar(t, "replay-a", tp, pp)
	_, _, second := simulateStar(t, "replay-b", tp, pp)
	assert.Equal(t, first, second)
}

func TestNetSimLifecycle(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 1, 1))
	plan, err := BuildPlan(topo, book, steadyParams())
	require.NoError(t, err)

	inst, err := NewNetSim("lifecycle").Instantiate(topo, book)
	require.NoError(t, err)

	_, err = inst.FlowRecords()
	assert.Error(t, err, "records before the run")

	require.NoError(t, inst.AttachTraffic(plan.Sessions()))
	assert.Error(t, inst.Run(0.0))
	require.NoError(t, inst.Run(plan.Params().RunDuration))
	assert.Error(t, inst.Run(plan.Params().RunDuration), "second run")
	assert.Error(t, inst.AttachTraffic(plan.Sessions()), "attach after run")

	records, err := inst.FlowRecords()
	require.NoError(t, err)
	assert.NotEmpty(t, records)

	require.NoError(t, inst.Teardown())
	assert.ErrorIs(t, inst.Teardown(), ErrTornDown)
	_, err = inst.FlowRecords()
	assert.ErrorIs(t, err, ErrTornDown)
	assert.ErrorIs(t, inst.Run(1.0), ErrTornDown)
	assert.ErrorIs(t, inst.AttachTraffic(plan.Sessions()), ErrTornDown)
}

func TestNetSimForeignSession(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 1, 1))
	otherTopo, otherBook := buildStar(t, starParams(ShapeFlat, 2, 1))
	otherPlan, err := BuildPlan(otherTopo, otherBook, steadyParams())
	require.NoError(t, err)

	inst, err := NewNetSim("foreign").Instantiate(topo, book)
	require.NoError(t, err)
	defer inst.Teardown()

	// the other plan's uploader is node 3, which does not exist here
	err = inst.AttachTraffic(otherPlan.Sessions())
	assert.ErrorIs(t, err, ErrInconsistentTopology)

	_, err = NewNetSim("mismatch").Instantiate(otherTopo, book)
	assert.ErrorIs(t, err, ErrInconsistentTopology)
}

func TestNetSimTrace(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 1, 0))
	pp := steadyParams()
	pp.Download.Stop = 2.5
	plan, err := BuildPlan(topo, book, pp)
	require.NoError(t, err)

	tm := CreateTraceManager("traced", true)
	_, err = Simulate(NewNetSim("traced").WithTrace(tm), topo, book, plan)
	require.NoError(t, err)

	assert.Len(t, tm.NameByID, len(topo.Nodes))
	assert.Equal(t, "server", tm.NameByID[int(topo.Server())].Name)

	// data on flow 1, acknowledgements on flow 2
	require.Contains(t, tm.Traces, 1)
	require.Contains(t, tm.Traces, 2)
	assert.Positive(t, tm.Len())
	assert.Equal(t, "packet", tm.Traces[1][0].TraceType)
	assert.Contains(t, tm.Traces[1][0].TraceStr, "op: send")

	filename := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, tm.WriteToFile(filename))

	// an inactive manager records nothing
	idle := CreateTraceManager("idle", false)
	_, err = Simulate(NewNetSim("untraced").WithTrace(idle), topo, book, plan)
	require.NoError(t, err)
	assert.Equal(t, 0, idle.Len())
}
