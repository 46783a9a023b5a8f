package topology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_tiles/kernel/threads/testutil"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
)

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var te *topology.TopologyError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, code, te.Code, te.Error())
}

func TestValidateReferencePipeline(t *testing.T) {
	topo := testutil.NewPipelineBuilder("v").WithVerifyTiles(2).WithSharedWorkspace().Build()
	require.NoError(t, topology.Validate(topo))
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*topology.Topology)
		code   string
	}{
		{"duplicate workspace name", func(tp *topology.Topology) {
			tp.AddWorkspace("verify", topology.RolePrivate)
		}, topology.ErrDuplicateWorkspace},
		{"workspace id mismatch", func(tp *topology.Topology) {
			tp.Workspaces[2].ID = 7
		}, topology.ErrWorkspaceID},
		{"second metrics workspace", func(tp *topology.Topology) {
			tp.AddWorkspace("metrics2", topology.RoleMetrics)
		}, topology.ErrMetricsWorkspace},
		{"unknown workspace", func(tp *topology.Topology) {
			tp.AddLink("extra", "nowhere", 16, 0, 0)
		}, topology.ErrUnknownWorkspace},
		{"unknown link", func(tp *topology.Topology) {
			tp.TileIn(tp.Tiles[0], "missing", 0, true, true)
		}, topology.ErrUnknownLink},
		{"tile workspace out of range", func(tp *topology.Topology) {
			tp.Tiles[1].WkspID = 99
		}, topology.ErrTileWorkspace},
		{"same kind split across workspaces", func(tp *topology.Topology) {
			tp.AddWorkspace("sink2", topology.RolePrivate)
			tp.AddTile(topology.TileSink, "sink2")
		}, topology.ErrKindWorkspace},
		{"different kinds share a workspace", func(tp *topology.Topology) {
			tp.Tiles[2].WkspID = tp.Tiles[1].WkspID
		}, topology.ErrKindWorkspace},
		{"same name links split", func(tp *topology.Topology) {
			tp.AddLink("source_verify", "verify_sink", 16, 0, 0)
		}, topology.ErrLinkNameWorkspace},
		{"depth not power of two", func(tp *topology.Topology) {
			tp.Links[0].Depth = 12
		}, topology.ErrLinkGeometry},
		{"duplicate input", func(tp *topology.Topology) {
			v := tp.FindTile(topology.TileVerify, 0)
			tp.TileIn(v, "source_verify", 0, true, true)
		}, topology.ErrDuplicateIn},
		{"primary also secondary", func(tp *topology.Topology) {
			v := tp.FindTile(topology.TileVerify, 0)
			tp.TileOut(v, "verify_sink", 0)
		}, topology.ErrPrimaryInOuts},
		{"output is input", func(tp *topology.Topology) {
			v := tp.FindTile(topology.TileVerify, 0)
			tp.TileOut(v, "source_verify", 0)
		}, topology.ErrOutIsIn},
		{"primary is input", func(tp *topology.Topology) {
			s := tp.FindTile(topology.TileSink, 0)
			tp.TilePrimaryOut(s, "verify_sink", 0)
		}, topology.ErrPrimaryIsIn},
		{"unpolled reliable", func(tp *topology.Topology) {
			s := tp.FindTile(topology.TileSink, 0)
			s.Ins[0].Polled = false
		}, topology.ErrUnpolledReliable},
		{"link without producer", func(tp *topology.Topology) {
			tp.AddLink("orphan", "verify_sink", 16, 0, 0)
			s := tp.FindTile(topology.TileSink, 0)
			tp.TileIn(s, "orphan", 0, false, true)
		}, topology.ErrLinkProducer},
		{"link with two producers", func(tp *topology.Topology) {
			src := tp.FindTile(topology.TileSource, 0)
			tp.TileOut(src, "verify_sink", 0)
		}, topology.ErrLinkProducer},
		{"link without consumer", func(tp *topology.Topology) {
			tp.AddLink("dangling", "source_verify", 16, 0, 0)
			src := tp.FindTile(topology.TileSource, 0)
			tp.TileOut(src, "dangling", 0)
		}, topology.ErrLinkConsumer},
		{"link in metrics workspace", func(tp *topology.Topology) {
			tp.Links[0].WkspID = 0
		}, topology.ErrLinkWorkspace},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			topo := testutil.NewPipelineBuilder("v").Build()
			tc.mutate(topo)
			requireCode(t, topology.Validate(topo), tc.code)
		})
	}
}

func TestValidateFeedbackLinkMayBeInAndOut(t *testing.T) {
	topo := testutil.NewPipelineBuilder("v").Build()
	fb := topo.AddLink("verify_feedback", "verify", 16, 0, 0)
	fb.Feedback = true
	v := topo.FindTile(topology.TileVerify, 0)
	topo.TileOut(v, "verify_feedback", 0)
	topo.TileIn(v, "verify_feedback", 0, false, true)
	require.NoError(t, topology.Validate(topo))

	fb.Feedback = false
	requireCode(t, topology.Validate(topo), topology.ErrOutIsIn)
}

// Every validated topology has exactly one producer and at least one
// consumer per link.
func TestValidatedLinkCardinality(t *testing.T) {
	topo := testutil.NewPipelineBuilder("v").WithVerifyTiles(3).Build()
	require.NoError(t, topology.Validate(topo))
	for _, l := range topo.Links {
		require.NotNil(t, topo.Producer(l.ID), l.Ref())
		assert.NotEmpty(t, topo.Consumers(l.ID), l.Ref())
	}
}

func TestTileKindNames(t *testing.T) {
	k, err := topology.ParseTileKind("verify")
	require.NoError(t, err)
	assert.Equal(t, topology.TileVerify, k)
	_, err = topology.ParseTileKind("quic")
	assert.Error(t, err)
	assert.Equal(t, "verify:0", testutil.NewPipelineBuilder("v").Build().FindTile(topology.TileVerify, 0).Name())
}
