package units

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
)

// ErrNoPrimaryOut is returned for a source or verify tile built without the
// output it publishes to.
var ErrNoPrimaryOut = errors.New("tile has no primary output")

func tcacheGeometry(p topology.TileParams) (depth, mapCnt uint64) {
	depth = p.TcacheDepth
	if depth == 0 {
		depth = foundation.TCACHE_DEPTH_DEFAULT
	}
	mapCnt = p.TcacheMapCnt
	if mapCnt == 0 {
		mapCnt = foundation.TcacheMapCntDefault(depth)
	}
	return depth, mapCnt
}

// TileMem sizes tile scratch: verify tiles keep their dedup cache there.
func TileMem() topology.TileMem {
	return topology.TileMem{
		Align: func(t *topology.Tile) uint64 {
			if t.Kind == topology.TileVerify {
				return foundation.TCACHE_ALIGN
			}
			return 0
		},
		Footprint: func(t *topology.Tile) uint64 {
			if t.Kind != topology.TileVerify {
				return 0
			}
			return foundation.TcacheFootprint(tcacheGeometry(t.Params))
		},
	}
}

// Factory builds the run loop of any tile kind. Zero fields take defaults.
type Factory struct {
	Parser   Parser
	Verifier Verifier
	// OnFrag is called by sink tiles for every frame they receive. It runs on
	// the sink's thread.
	OnFrag func(tile *topology.Tile, in int, meta foundation.FragMeta, payload []byte)
	// CorruptEvery makes sources corrupt every Nth transaction.
	CorruptEvery uint64
}

// Build is a supervisor.BuildFunc.
func (f *Factory) Build(j *topology.Joint, cfg supervisor.LoopConfig) (*supervisor.Loop, error) {
	tile := j.Tile
	if tile == nil {
		return nil, fmt.Errorf("units: joint is not bound to a tile")
	}
	if (tile.Kind == topology.TileSource || tile.Kind == topology.TileVerify) && tile.PrimaryOut == topology.NoLink {
		return nil, fmt.Errorf("tile %s: %w", tile.Name(), ErrNoPrimaryOut)
	}
	var stage supervisor.Stage
	switch tile.Kind {
	case topology.TileSource:
		stage = NewSourceStage(sourceSeed(tile), uint64(tile.KindID), tile.Params.SourceCnt, f.CorruptEvery)
	case topology.TileVerify:
		vs, err := NewVerifyStage(j.Scratch[tile.ID], tile.Params, f.Parser, f.Verifier)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", tile.Name(), err)
		}
		stage = vs
	case topology.TileSink:
		var fn FragFunc
		if f.OnFrag != nil {
			fn = func(in int, meta foundation.FragMeta, payload []byte) { f.OnFrag(tile, in, meta, payload) }
		}
		stage = NewSinkStage(fn)
	default:
		return nil, fmt.Errorf("units: no stage for tile kind %s", tile.Kind)
	}
	return supervisor.NewLoop(j, stage, cfg)
}

func sourceSeed(t *topology.Tile) [ed25519.SeedSize]byte {
	var seed [ed25519.SeedSize]byte
	binary.LittleEndian.PutUint64(seed[0:], t.Params.Seed)
	binary.LittleEndian.PutUint64(seed[8:], uint64(t.KindID))
	copy(seed[16:], "tile source key")
	return seed
}
