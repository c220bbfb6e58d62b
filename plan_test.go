package starnet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPlanDirections(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 3, 2))
	plan, err := BuildPlan(topo, book, DefaultPlanParams())
	require.NoError(t, err)

	sessions := plan.All()
	require.Len(t, sessions, 5)
	assert.Equal(t, 5, plan.Len())

	serverAddrs := map[netip.Addr]bool{}
	for _, intrfc := range book.Interfaces(topo, topo.Server()) {
		serverAddrs[intrfc.Addr] = true
	}

	for idx, sn := range sessions[:3] {
		downloader := topo.Downloaders()[idx]
		access, _ := topo.AccessLink(downloader)
		clientAddr, _ := book.Addr(access.ID, downloader)
		serverAddr, _ := book.Addr(access.ID, topo.Server())

		assert.Equal(t, RoleDownload, sn.Role)
		assert.Equal(t, topo.Server(), sn.Src)
		assert.Equal(t, downloader, sn.Dst)
		assert.Equal(t, clientAddr, sn.DstAddr)
		assert.Equal(t, serverAddr, sn.SrcAddr)
		assert.False(t, serverAddrs[sn.DstAddr], "download destination %s is a server address", sn.DstAddr)
	}

	for idx, sn := range sessions[3:] {
		uploader := topo.Uploaders()[idx]
		access, _ := topo.AccessLink(uploader)
		clientAddr, _ := book.Addr(access.ID, uploader)
		serverAddr, _ := book.Addr(access.ID, topo.Server())

		assert.Equal(t, RoleUpload, sn.Role)
		assert.Equal(t, uploader, sn.Src)
		assert.Equal(t, topo.Server(), sn.Dst)
		assert.Equal(t, clientAddr, sn.SrcAddr)
		assert.Equal(t, serverAddr, sn.DstAddr)
	}

	for idx, sn := range sessions {
		assert.Equal(t, idx, sn.ID)
		assert.Equal(t, firstSrcPort+uint16(idx), sn.SrcPort)
		assert.Equal(t, SinkPort, sn.DstPort)
	}
}

func TestBuildPlanTwoTier(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeTwoTier, 2, 2))
	plan, err := BuildPlan(topo, book, DefaultPlanParams())
	require.NoError(t, err)

	core, _ := topo.LinkByKey(CoreLinkKey)
	serverAddr, _ := book.Addr(core.ID, topo.Server())

	for _, sn := range plan.All() {
		if sn.Role == RoleDownload {
			// sent from the server's core interface to the client's access interface
			access, _ := topo.AccessLink(sn.Dst)
			clientAddr, _ := book.Addr(access.ID, sn.Dst)
			assert.Equal(t, serverAddr, sn.SrcAddr)
			assert.Equal(t, clientAddr, sn.DstAddr)
			continue
		}
		access, _ := topo.AccessLink(sn.Src)
		clientAddr, _ := book.Addr(access.ID, sn.Src)
		assert.Equal(t, clientAddr, sn.SrcAddr)
		assert.Equal(t, serverAddr, sn.DstAddr)
	}
}

func TestPlanRestartable(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 2, 2))
	plan, err := BuildPlan(topo, book, DefaultPlanParams())
	require.NoError(t, err)

	assert.Equal(t, plan.All(), plan.All())

	// stopping early leaves the plan intact
	seen := 0
	for range plan.Sessions() {
		seen += 1
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
	assert.Len(t, plan.All(), 4)
}

func TestPlanPerClassParams(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 1, 1))
	pp := DefaultPlanParams()
	pp.Upload.Rate = 100000
	pp.Upload.Start = 5.0
	plan, err := BuildPlan(topo, book, pp)
	require.NoError(t, err)

	sessions := plan.All()
	require.Len(t, sessions, 2)
	assert.Equal(t, int64(300000), sessions[0].Rate)
	assert.Equal(t, 2.0, sessions[0].Start)
	assert.Equal(t, int64(100000), sessions[1].Rate)
	assert.Equal(t, 5.0, sessions[1].Start)
	assert.Equal(t, pp, plan.Params())
}

func TestPlanEmptyClasses(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 0, 2))
	plan, err := BuildPlan(topo, book, DefaultPlanParams())
	require.NoError(t, err)
	for _, sn := range plan.All() {
		assert.Equal(t, RoleUpload, sn.Role)
	}

	topo, book = buildStar(t, starParams(ShapeFlat, 0, 0))
	plan, err = BuildPlan(topo, book, DefaultPlanParams())
	require.NoError(t, err)
	assert.Empty(t, plan.All())
}

func TestBuildPlanInvalid(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 1, 1))

	tests := []struct {
		name   string
		modify func(pp *PlanParams)
	}{
		{"start after stop", func(pp *PlanParams) { pp.Download.Start = 41.0 }},
		{"start equals stop", func(pp *PlanParams) { pp.Upload.Start = pp.Upload.Stop }},
		{"negative start", func(pp *PlanParams) { pp.Download.Start = -1.0 }},
		{"stop past run", func(pp *PlanParams) { pp.RunDuration = 30.0 }},
		{"zero rate", func(pp *PlanParams) { pp.Upload.Rate = 0 }},
		{"zero packet size", func(pp *PlanParams) { pp.Download.PacketSize = 0 }},
		{"off without on", func(pp *PlanParams) { pp.Download.OnTime = 0.0 }},
		{"unknown distribution", func(pp *PlanParams) { pp.Upload.Dist = "pareto" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pp := DefaultPlanParams()
			tt.modify(&pp)
			_, err := BuildPlan(topo, book, pp)
			assert.ErrorIs(t, err, ErrInvalidSession)
		})
	}
}

func TestBuildPlanPortRange(t *testing.T) {
	assert.Equal(t, uint16(65535), firstSrcPort+uint16(MaxSessions-1))

	// counts alone decide, before any address is resolved
	topo := &Topology{Name: "crowded", downloaders: make([]NodeID, MaxSessions), uploaders: make([]NodeID, 1)}
	_, err := BuildPlan(topo, nil, DefaultPlanParams())
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.ErrorContains(t, err, "16384 sessions")
}
