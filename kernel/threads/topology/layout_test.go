package topology_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/testutil"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
)

var verifyScratch = topology.TileMem{
	Align: func(tile *topology.Tile) uint64 { return 128 },
	Footprint: func(tile *topology.Tile) uint64 {
		if tile.Kind == topology.TileVerify {
			return 1000
		}
		return 0
	},
}

func sized(t *testing.T, topo *topology.Topology) *topology.Topology {
	t.Helper()
	require.NoError(t, topology.Size(topo, verifyScratch))
	return topo
}

func TestSizeGeometry(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("sz").WithVerifyTiles(2).Build())
	require.True(t, topo.Sized())
	for _, w := range topo.Workspaces {
		assert.True(t, sab.IsAligned(w.KnownFootprint, sab.WKSP_ALIGN), w.Name)
		assert.Equal(t, sab.PAGE_HUGE, w.PageSz, w.Name)
		assert.GreaterOrEqual(t, w.PageSz*w.PageCnt, sab.WKSP_HEADER_SZ+w.TotalFootprint, w.Name)
	}
	link := topo.FindLink("source_verify", 0)
	w := topo.Workspaces[link.WkspID]
	want := foundation.McacheFootprint(16) + foundation.DcacheFootprint(foundation.DcacheReqDataSz(1232, 16, 1, true))
	assert.GreaterOrEqual(t, w.KnownFootprint, 2*want)
}

func TestSizeRejectsInvalid(t *testing.T) {
	topo := testutil.NewPipelineBuilder("bad").Build()
	topo.Links[0].Depth = 3
	err := topology.Size(topo, verifyScratch)
	require.Error(t, err)
	assert.False(t, topo.Sized())
}

func TestSizeLooseSpaceGrowsTotal(t *testing.T) {
	topo := testutil.NewPipelineBuilder("loose").Build()
	topo.WorkspaceByName("sink").LooseSz = 10
	sized(t, topo)
	w := topo.WorkspaceByName("sink")
	assert.Equal(t, w.KnownFootprint+sab.WKSP_ALIGN, w.TotalFootprint)
}

func TestPageGeometryGigantic(t *testing.T) {
	topo := testutil.NewPipelineBuilder("big").Build()
	topo.WorkspaceByName("sink").LooseSz = 4 * sab.PAGE_HUGE
	sized(t, topo)
	w := topo.WorkspaceByName("sink")
	assert.Equal(t, sab.PAGE_GIGANTIC, w.PageSz)
	assert.Equal(t, uint64(1), w.PageCnt)
}

// The three fill modes must agree on every offset.
func TestFillModesAgree(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("agree").WithVerifyTiles(2).WithSharedWorkspace().Build())

	measured := make([][]topology.Placement, len(topo.Workspaces))
	for _, w := range topo.Workspaces {
		p, err := topology.Fill(topo, w, topology.FillMeasure, verifyScratch, nil)
		require.NoError(t, err)
		measured[w.ID] = p
	}

	backend := sab.NewMemoryBackend()
	j, err := topology.Construct(topo, backend, verifyScratch)
	require.NoError(t, err)
	defer j.Close()
	attached, err := topology.AttachAll(topo, backend, sab.JoinReadOnly, verifyScratch)
	require.NoError(t, err)
	defer attached.Close()

	for _, w := range topo.Workspaces {
		require.NotEmpty(t, measured[w.ID], w.Name)
		assert.Equal(t, measured[w.ID], j.Placements[w.ID], "construct %s", w.Name)
		assert.Equal(t, measured[w.ID], attached.Placements[w.ID], "attach %s", w.Name)
	}

	// A tile joins a subset of workspaces; those it joins walk identically.
	verify := topo.FindTile(topology.TileVerify, 1)
	tj, err := topology.Attach(topo, verify, backend, verifyScratch)
	require.NoError(t, err)
	defer tj.Close()
	for _, w := range topo.Workspaces {
		if topology.NeedsWorkspace(topo, verify, w.ID) == sab.JoinNone {
			assert.Nil(t, tj.Placements[w.ID], w.Name)
			continue
		}
		assert.Equal(t, measured[w.ID], tj.Placements[w.ID], "%s joining %s", verify.Name(), w.Name)
	}
}

func TestFillNeedsJoinedWorkspace(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("unjoined").Build())
	_, err := topology.Fill(topo, topo.Workspaces[0], topology.FillAttach, verifyScratch, nil)
	assert.Error(t, err)
}

func TestConstructPlacesKnownSpaceFirst(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("first").Build())
	backend := sab.NewMemoryBackend()
	j, err := topology.Construct(topo, backend, verifyScratch)
	require.NoError(t, err)
	defer j.Close()

	for _, w := range topo.Workspaces {
		ws := j.Wksp[w.ID]
		require.NotNil(t, ws, w.Name)
		assert.Equal(t, w.Name, ws.Name())
		assert.Equal(t, sab.OFFSET_WKSP_DATA, ws.DataOffset())
		assert.Equal(t, w.KnownFootprint, ws.KnownFootprint())
		assert.Equal(t, uint64(1), ws.AllocCount())

		off, err := ws.Alloc(8, 8)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, off, sab.OFFSET_WKSP_DATA+w.KnownFootprint)
	}
}

func TestConstructFormatsObjects(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("objs").WithVerifyTiles(2).WithSharedWorkspace().Build())
	backend := sab.NewMemoryBackend()
	j, err := topology.Construct(topo, backend, verifyScratch)
	require.NoError(t, err)
	defer j.Close()

	for _, l := range topo.Links {
		require.NotNil(t, j.Mcache[l.ID], l.Ref())
		require.NotNil(t, j.Dcache[l.ID], l.Ref())
		assert.Equal(t, uint64(16), j.Mcache[l.ID].Depth())
		assert.Equal(t, uint64(1232), j.Dcache[l.ID].MTU())

		fseqs, err := j.ReliableFseqs(l.ID)
		require.NoError(t, err)
		assert.Len(t, fseqs, 1)
	}
	for _, tile := range topo.Tiles {
		require.NotNil(t, j.Cnc[tile.ID], tile.Name())
		assert.Equal(t, foundation.CNC_SIGNAL_BOOT, j.Cnc[tile.ID].SignalQuery())
		assert.Equal(t, uint64(tile.Kind), j.Cnc[tile.ID].Type())
		require.NotNil(t, j.Metrics[tile.ID])
		assert.Equal(t, len(tile.Ins), j.Metrics[tile.ID].InCnt())
		for i := range tile.Ins {
			assert.NotNil(t, j.InFseq[tile.ID][i])
		}
	}
	v := topo.FindTile(topology.TileVerify, 1)
	assert.Len(t, j.Scratch[v.ID], 1000)
	assert.Equal(t, 1, j.Metrics[v.ID].OutCnt())
	assert.Len(t, j.SharedFseq[topo.WorkspaceByName("bank").ID], 2)
}

func TestConstructTwiceFails(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("twice").Build())
	backend := sab.NewMemoryBackend()
	j, err := topology.Construct(topo, backend, verifyScratch)
	require.NoError(t, err)
	defer j.Close()

	_, err = topology.Construct(topo, backend, verifyScratch)
	require.ErrorIs(t, err, sab.ErrExists)
	// The failed attempt must not remove regions it did not create.
	for _, w := range topo.Workspaces {
		assert.True(t, backend.Exists(sab.RegionFileName("twice", w.Name)))
	}

	require.NoError(t, topology.Destroy(topo, backend))
	for _, w := range topo.Workspaces {
		assert.False(t, backend.Exists(sab.RegionFileName("twice", w.Name)))
	}
	require.NoError(t, topology.Destroy(topo, backend))
}

func TestAttachJoinModes(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("modes").WithSharedWorkspace().Build())
	backend := sab.NewMemoryBackend()
	cj, err := topology.Construct(topo, backend, verifyScratch)
	require.NoError(t, err)
	defer cj.Close()

	id := func(name string) int { return topo.WorkspaceByName(name).ID }
	verify := topo.FindTile(topology.TileVerify, 0)
	vj, err := topology.Attach(topo, verify, backend, verifyScratch)
	require.NoError(t, err)
	defer vj.Close()

	assert.Equal(t, sab.JoinReadWrite, vj.Mode[id("verify")])
	assert.Equal(t, sab.JoinReadWrite, vj.Mode[id("verify_sink")])
	assert.Equal(t, sab.JoinReadWrite, vj.Mode[id("metrics")])
	assert.Equal(t, sab.JoinReadWrite, vj.Mode[id("bank")])
	assert.Equal(t, sab.JoinReadOnly, vj.Mode[id("source_verify")])
	assert.Equal(t, sab.JoinNone, vj.Mode[id("sink")])
	assert.Equal(t, sab.JoinNone, vj.Mode[id("source")])
	assert.Nil(t, vj.Wksp[id("sink")])
	assert.Len(t, vj.Scratch[verify.ID], 1000)

	sink := topo.FindTile(topology.TileSink, 0)
	assert.Equal(t, sab.JoinReadOnly, topology.NeedsWorkspace(topo, sink, id("bank")))
	assert.Equal(t, sab.JoinReadOnly, topology.NeedsWorkspace(topo, sink, id("verify_sink")))
	source := topo.FindTile(topology.TileSource, 0)
	assert.Equal(t, sab.JoinNone, topology.NeedsWorkspace(topo, source, id("bank")))
	assert.Equal(t, sab.JoinReadWrite, topology.NeedsWorkspace(topo, source, id("source_verify")))

	// A consumer sees what the creator published.
	link := topo.FindLink("source_verify", 0)
	cj.Mcache[link.ID].Publish(0, 42, 0, 8, foundation.CtlPack(0, true, true, false), 1, 2)
	assert.Equal(t, uint64(42), vj.Mcache[link.ID].Query(0).Sig)
}

func TestAttachAllReadOnly(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("mon").Build())
	backend := sab.NewMemoryBackend()
	cj, err := topology.Construct(topo, backend, verifyScratch)
	require.NoError(t, err)
	defer cj.Close()

	mj, err := topology.AttachAll(topo, backend, sab.JoinReadOnly, verifyScratch)
	require.NoError(t, err)
	defer mj.Close()
	for _, w := range topo.Workspaces {
		assert.Equal(t, sab.JoinReadOnly, mj.Mode[w.ID])
		assert.ErrorIs(t, mj.Wksp[w.ID].Provider().WriteAt(0, []byte{1}), sab.ErrReadOnly)
	}
	for _, tile := range topo.Tiles {
		assert.Equal(t, foundation.CNC_SIGNAL_BOOT, mj.Cnc[tile.ID].SignalQuery())
	}
}

func TestAttachRejectsStaleWorkspace(t *testing.T) {
	backend := sab.NewMemoryBackend()
	built := sized(t, testutil.NewPipelineBuilder("stale").Build())
	cj, err := topology.Construct(built, backend, verifyScratch)
	require.NoError(t, err)
	defer cj.Close()

	other := sized(t, testutil.NewPipelineBuilder("stale").WithDepth(64).Build())
	_, err = topology.AttachAll(other, backend, sab.JoinReadOnly, verifyScratch)
	var le *sab.LayoutError
	require.True(t, errors.As(err, &le), "got %v", err)
	assert.Equal(t, "STALE_WORKSPACE", le.Code)
}

func TestAttachMissingRegion(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("gone").Build())
	_, err := topology.Attach(topo, topo.Tiles[0], sab.NewMemoryBackend(), verifyScratch)
	assert.ErrorIs(t, err, sab.ErrNotFound)
}

func TestPrint(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("print").WithVerifyTiles(2).Build())
	var buf bytes.Buffer
	topology.Print(&buf, topo)
	out := buf.String()
	assert.Contains(t, out, "verify:1")
	assert.Contains(t, out, "source_verify:1")

	assert.Contains(t, out, "bytes max per tile")
}

func TestSummarizeCountsTileExtras(t *testing.T) {
	topo := sized(t, testutil.NewPipelineBuilder("mlock").WithVerifyTiles(2).Build())
	tiles := uint64(len(topo.Tiles))
	stackPages := topology.TILE_STACK_SZ/sab.PAGE_HUGE + 2

	sum := topology.Summarize(topo)
	assert.Zero(t, sum.GiganticPageCnt)
	assert.Equal(t, uint64(len(topo.Workspaces))+tiles*stackPages, sum.HugePageCnt)
	// One log page per tile plus key pages for the two sources.
	assert.Equal(t, tiles+2*topology.TILE_KEY_PAGES, sum.NormalPageCnt)
	assert.Equal(t, sum.HugePageCnt*sab.PAGE_HUGE+sum.NormalPageCnt*sab.PAGE_NORMAL, sum.MlockBytes)

	// A verify tile joins metrics, its own workspace, its input and its
	// output: four single huge page workspaces, the most of any tile.
	verify := topo.FindTile(topology.TileVerify, 0)
	want := (4+stackPages)*sab.PAGE_HUGE + sab.PAGE_NORMAL
	assert.Equal(t, want, topology.TileMlock(topo, verify))
	assert.Equal(t, want, sum.MlockMaxTile)

	src := topo.FindTile(topology.TileSource, 0)
	assert.Equal(t, (3+stackPages)*sab.PAGE_HUGE+(1+topology.TILE_KEY_PAGES)*sab.PAGE_NORMAL, topology.TileMlock(topo, src))
}
