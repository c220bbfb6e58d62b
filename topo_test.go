package starnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// starParams returns the default parameters with the given shape and client counts
func starParams(shape Shape, downloaders, uploaders int) TopoParams {
	tp := DefaultTopoParams()
	tp.Shape = shape
	tp.Downloaders = downloaders
	tp.Uploaders = uploaders
	return tp
}

// buildStar builds a topology and its address book with the default address plan
func buildStar(t *testing.T, tp TopoParams) (*Topology, *AddressBook) {
	t.Helper()
	topo, err := BuildTopology(tp)
	require.NoError(t, err)
	book, err := AssignSubnets(topo, DefaultAddrPlan())
	require.NoError(t, err)
	return topo, book
}

func TestBuildTopologyLinkCount(t *testing.T) {
	for _, shape := range []Shape{ShapeFlat, ShapeTwoTier} {
		for d := 0; d <= 3; d++ {
			for u := 0; u <= 3; u++ {
				topo, err := BuildTopology(starParams(shape, d, u))
				require.NoError(t, err)

				expected := d + u
				if shape == ShapeTwoTier {
					expected += 1
				}
				assert.Len(t, topo.Links, expected, "%s d=%d u=%d", shape, d, u)
				assert.Len(t, topo.Nodes, shape.ServerCount()+d+u)

				for _, lnk := range topo.Links {
					assert.True(t, topo.hasNode(lnk.A))
					assert.True(t, topo.hasNode(lnk.B))
					assert.NotEqual(t, lnk.A, lnk.B)
				}
			}
		}
	}
}

func TestBuildTopologyStructure(t *testing.T) {
	t.Run("TestFlat", func(t *testing.T) {
		topo, err := BuildTopology(starParams(ShapeFlat, 2, 3))
		require.NoError(t, err)

		assert.Equal(t, topo.Server(), topo.Hub())
		assert.Equal(t, NodeID(0), topo.Server())
		assert.Equal(t, []NodeID{1, 2}, topo.Downloaders())
		assert.Equal(t, []NodeID{3, 4, 5}, topo.Uploaders())

		// every client link has the server on the hub side
		for _, lnk := range topo.Links {
			assert.Equal(t, topo.Server(), lnk.A)
		}
		lnk, present := topo.LinkByKey(LinkKey{Tier: TierUploader, Index: 2})
		require.True(t, present)
		assert.Equal(t, NodeID(5), lnk.B)
		assert.Equal(t, LinkID(4), lnk.ID)

		_, present = topo.LinkByKey(CoreLinkKey)
		assert.False(t, present)
	})

	t.Run("TestTwoTier", func(t *testing.T) {
		topo, err := BuildTopology(starParams(ShapeTwoTier, 2, 1))
		require.NoError(t, err)

		assert.NotEqual(t, topo.Server(), topo.Hub())
		assert.Equal(t, "server", topo.Nodes[topo.Server()].Name())
		assert.Equal(t, "gateway", topo.Nodes[topo.Hub()].Name())

		core, present := topo.LinkByKey(CoreLinkKey)
		require.True(t, present)
		assert.Equal(t, LinkID(0), core.ID)
		assert.Equal(t, topo.Server(), core.A)
		assert.Equal(t, topo.Hub(), core.B)

		for _, node := range append(topo.Downloaders(), topo.Uploaders()...) {
			lnk, present := topo.AccessLink(node)
			require.True(t, present)
			assert.Equal(t, topo.Hub(), lnk.A)
			assert.Equal(t, node, lnk.B)
		}
	})

	t.Run("TestIdsRestart", func(t *testing.T) {
		first, err := BuildTopology(starParams(ShapeTwoTier, 3, 2))
		require.NoError(t, err)
		second, err := BuildTopology(starParams(ShapeTwoTier, 3, 2))
		require.NoError(t, err)
		assert.Equal(t, first.Nodes, second.Nodes)
		assert.Equal(t, first.Links, second.Links)
	})
}

func TestBuildTopologyErrors(t *testing.T) {
	_, err := BuildTopology(starParams(ShapeFlat, -1, 2))
	assert.ErrorIs(t, err, ErrInconsistentTopology)

	_, err = BuildTopology(starParams(Shape(7), 1, 1))
	assert.ErrorIs(t, err, ErrInconsistentTopology)

	tp := starParams(ShapeFlat, 1, 1)
	tp.Download.Rate = 0
	_, err = BuildTopology(tp)
	assert.ErrorIs(t, err, ErrInconsistentTopology)

	tp = starParams(ShapeFlat, 1, 1)
	tp.Upload.QueueLength = 0
	_, err = BuildTopology(tp)
	assert.ErrorIs(t, err, ErrInconsistentTopology)
}

func TestBuildTopologyLoss(t *testing.T) {
	loss := &LossModel{Unit: LossUnitPacket, Rate: 0.01}

	t.Run("TestTwoTierDefaultsToCore", func(t *testing.T) {
		tp := starParams(ShapeTwoTier, 2, 2)
		tp.Loss = loss
		topo, err := BuildTopology(tp)
		require.NoError(t, err)

		lnk, present := topo.Bottleneck()
		require.True(t, present)
		assert.Equal(t, CoreLinkKey, lnk.Key)
		assert.Equal(t, 0.01, lnk.Params.Loss.Rate)
	})

	t.Run("TestFlatNeedsBottleneck", func(t *testing.T) {
		tp := starParams(ShapeFlat, 2, 2)
		tp.Loss = loss
		_, err := BuildTopology(tp)
		assert.ErrorIs(t, err, ErrInconsistentTopology)
	})

	t.Run("TestNamedBottleneck", func(t *testing.T) {
		tp := starParams(ShapeFlat, 2, 2)
		tp.Loss = loss
		bn := LinkKey{Tier: TierDownloader, Index: 1}
		tp.Bottleneck = &bn
		topo, err := BuildTopology(tp)
		require.NoError(t, err)

		lnk, present := topo.Bottleneck()
		require.True(t, present)
		assert.Equal(t, bn, lnk.Key)

		lossy := 0
		for _, lnk := range topo.Links {
			if lnk.Params.Loss != nil {
				lossy += 1
			}
		}
		assert.Equal(t, 1, lossy)
	})

	t.Run("TestMissingBottleneck", func(t *testing.T) {
		tp := starParams(ShapeFlat, 2, 2)
		tp.Loss = loss
		bn := LinkKey{Tier: TierUploader, Index: 5}
		tp.Bottleneck = &bn
		_, err := BuildTopology(tp)
		assert.ErrorIs(t, err, ErrInconsistentTopology)
	})

	t.Run("TestBadRate", func(t *testing.T) {
		tp := starParams(ShapeTwoTier, 1, 1)
		tp.Loss = &LossModel{Unit: LossUnitPacket, Rate: 1.5}
		_, err := BuildTopology(tp)
		assert.ErrorIs(t, err, ErrInconsistentTopology)
	})

	t.Run("TestTierLossIgnored", func(t *testing.T) {
		// a loss model in the per-tier parameters is not copied onto every link
		tp := starParams(ShapeFlat, 2, 0)
		tp.Download.Loss = loss
		topo, err := BuildTopology(tp)
		require.NoError(t, err)
		_, present := topo.Bottleneck()
		assert.False(t, present)
	})
}

func TestBuildTopologyOverrides(t *testing.T) {
	tp := starParams(ShapeFlat, 3, 0)
	key := LinkKey{Tier: TierDownloader, Index: 1}
	tp.LinkOverrides = map[LinkKey]LinkParams{key: {Rate: 1000000, Latency: 10, QueueLength: 20}}

	topo, err := BuildTopology(tp)
	require.NoError(t, err)

	for _, lnk := range topo.Links {
		if lnk.Key == key {
			assert.Equal(t, int64(1000000), lnk.Params.Rate)
			assert.Equal(t, 10, lnk.Params.Latency)
			assert.Equal(t, 20, lnk.Params.QueueLength)
			continue
		}
		assert.Equal(t, DefaultLinkParams(), lnk.Params)
	}
}

func TestValidateTopology(t *testing.T) {
	topo, err := BuildTopology(starParams(ShapeFlat, 2, 1))
	require.NoError(t, err)
	require.NoError(t, topo.Validate())

	topo.Links[1].B = topo.Links[1].A
	assert.ErrorIs(t, topo.Validate(), ErrInconsistentTopology)

	topo.Links[1].B = NodeID(99)
	assert.ErrorIs(t, topo.Validate(), ErrInconsistentTopology)
}

func TestParseLinkKey(t *testing.T) {
	for _, key := range []LinkKey{CoreLinkKey, {Tier: TierDownloader, Index: 0}, {Tier: TierUploader, Index: 12}} {
		parsed, err := ParseLinkKey(key.String())
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	}

	for _, str := range []string{"", "edge", "downloader", "downloader[]", "downloader[-1]", "server[0]", "client[2]", "uploader[1"} {
		_, err := ParseLinkKey(str)
		assert.Error(t, err, str)
	}
}

func TestParseShape(t *testing.T) {
	for str, want := range map[string]Shape{"flat": ShapeFlat, "star": ShapeFlat, "two-tier": ShapeTwoTier, "tree": ShapeTwoTier} {
		shape, err := ParseShape(str)
		require.NoError(t, err)
		assert.Equal(t, want, shape)
	}
	_, err := ParseShape("ring")
	assert.Error(t, err)
}

func TestRoute(t *testing.T) {
	topo, err := BuildTopology(starParams(ShapeTwoTier, 2, 2))
	require.NoError(t, err)

	server, hub := topo.Server(), topo.Hub()
	down := topo.Downloaders()
	up := topo.Uploaders()

	t.Run("TestServerToClient", func(t *testing.T) {
		route, err := topo.Route(server, down[1])
		require.NoError(t, err)
		assert.Equal(t, []NodeID{server, hub, down[1]}, route)
	})

	t.Run("TestClientToServer", func(t *testing.T) {
		// answered from the tree rooted in the server, reversed
		route, err := topo.Route(up[0], server)
		require.NoError(t, err)
		assert.Equal(t, []NodeID{up[0], hub, server}, route)
	})

	t.Run("TestClientToClient", func(t *testing.T) {
		route, err := topo.Route(down[0], up[1])
		require.NoError(t, err)
		assert.Equal(t, []NodeID{down[0], hub, up[1]}, route)
	})

	t.Run("TestSelf", func(t *testing.T) {
		route, err := topo.Route(hub, hub)
		require.NoError(t, err)
		assert.Equal(t, []NodeID{hub}, route)
	})

	t.Run("TestUnknownNode", func(t *testing.T) {
		_, err := topo.Route(server, NodeID(42))
		assert.ErrorIs(t, err, ErrInconsistentTopology)
	})

	t.Run("TestRoutePlan", func(t *testing.T) {
		steps, err := topo.routePlan(server, down[0])
		require.NoError(t, err)
		require.Len(t, steps, 2)

		core, _ := topo.LinkByKey(CoreLinkKey)
		access, _ := topo.AccessLink(down[0])
		assert.Equal(t, routeStep{link: core.ID, from: server, to: hub}, steps[0])
		assert.Equal(t, routeStep{link: access.ID, from: hub, to: down[0]}, steps[1])
	})
}

func TestConnectedComponents(t *testing.T) {
	topo, err := BuildTopology(starParams(ShapeFlat, 0, 0))
	require.NoError(t, err)
	assert.Len(t, topo.ConnectedComponents(), 1)
	assert.NoError(t, topo.CheckConnections())

	topo, err = BuildTopology(starParams(ShapeTwoTier, 4, 4))
	require.NoError(t, err)
	comps := topo.ConnectedComponents()
	require.Len(t, comps, 1)
	assert.Len(t, comps[0], len(topo.Nodes))
}
