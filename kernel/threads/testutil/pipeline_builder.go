package testutil

import (
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
)

// PipelineBuilder assembles the source -> verify -> sink topology tests use,
// with knobs for the parts individual tests care about.
type PipelineBuilder struct {
	app      string
	depth    uint64
	mtu      uint64
	burst    uint64
	verifies int
	shared   bool
	params   map[topology.TileKind]topology.TileParams
}

// NewPipelineBuilder returns a builder for a depth 16, mtu 1232 pipeline.
func NewPipelineBuilder(app string) *PipelineBuilder {
	return &PipelineBuilder{
		app:      app,
		depth:    16,
		mtu:      1232,
		burst:    1,
		verifies: 1,
		params:   make(map[topology.TileKind]topology.TileParams),
	}
}

// WithDepth sets the depth of every link.
func (b *PipelineBuilder) WithDepth(depth uint64) *PipelineBuilder {
	b.depth = depth
	return b
}

// WithMTU sets the mtu of every link.
func (b *PipelineBuilder) WithMTU(mtu uint64) *PipelineBuilder {
	b.mtu = mtu
	return b
}

// WithVerifyTiles runs n verify tiles, each fed by its own source link.
func (b *PipelineBuilder) WithVerifyTiles(n int) *PipelineBuilder {
	b.verifies = n
	return b
}

// WithSharedWorkspace adds a shared workspace joined read-write by verify
// tiles and read-only by the sink.
func (b *PipelineBuilder) WithSharedWorkspace() *PipelineBuilder {
	b.shared = true
	return b
}

// WithParams sets the params of every tile of kind.
func (b *PipelineBuilder) WithParams(kind topology.TileKind, p topology.TileParams) *PipelineBuilder {
	b.params[kind] = p
	return b
}

// Build returns the unvalidated topology.
func (b *PipelineBuilder) Build() *topology.Topology {
	t := topology.New(b.app)
	t.AddWorkspace("metrics", topology.RoleMetrics)
	t.AddWorkspace("source", topology.RolePrivate)
	t.AddWorkspace("verify", topology.RolePrivate)
	t.AddWorkspace("sink", topology.RolePrivate)
	t.AddWorkspace("source_verify", topology.RolePrivate)
	t.AddWorkspace("verify_sink", topology.RolePrivate)
	if b.shared {
		w := t.AddWorkspace("bank", topology.RoleShared)
		w.SharedFseqCnt = b.verifies
		w.Access = map[topology.TileKind]sab.JoinMode{
			topology.TileVerify: sab.JoinReadWrite,
			topology.TileSink:   sab.JoinReadOnly,
		}
	}

	sink := t.AddTile(topology.TileSink, "sink")
	for i := 0; i < b.verifies; i++ {
		t.AddLink("source_verify", "source_verify", b.depth, b.mtu, b.burst)
		t.AddLink("verify_sink", "verify_sink", b.depth, b.mtu, b.burst)

		src := t.AddTile(topology.TileSource, "source")
		t.TilePrimaryOut(src, "source_verify", i)

		v := t.AddTile(topology.TileVerify, "verify")
		t.TileIn(v, "source_verify", i, true, true)
		t.TilePrimaryOut(v, "verify_sink", i)

		t.TileIn(sink, "verify_sink", i, true, true)
	}
	for _, tile := range t.Tiles {
		if p, ok := b.params[tile.Kind]; ok {
			tile.Params = p
		}
	}
	return t
}
