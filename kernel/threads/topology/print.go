package topology

import (
	"fmt"
	"io"
	"strings"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

const (
	// TILE_STACK_SZ is the stack each tile thread locks in huge pages.
	TILE_STACK_SZ = uint64(8 << 20)
	// TILE_KEY_PAGES is the number of normal pages locked for private key
	// material by tiles that sign.
	TILE_KEY_PAGES = uint64(5)
)

// HoldsKeys reports whether tiles of kind k keep a private key.
func (k TileKind) HoldsKeys() bool { return k == TileSource }

// TileExtraHugePages is what a tile locks in huge pages outside the
// workspaces: its stack plus a guard page on either side.
func TileExtraHugePages(tile *Tile) uint64 {
	return TILE_STACK_SZ/sab.PAGE_HUGE + 2
}

// TileExtraNormalPages is what a tile locks in normal pages: one for the
// shared log lock, plus key pages if it signs.
func TileExtraNormalPages(tile *Tile) uint64 {
	n := uint64(1)
	if tile.Kind.HoldsKeys() {
		n += TILE_KEY_PAGES
	}
	return n
}

// TileMlock is the memory tile locks: every workspace it joins plus its
// extra pages.
func TileMlock(t *Topology, tile *Tile) uint64 {
	var sz uint64
	for _, w := range t.Workspaces {
		if NeedsWorkspace(t, tile, w.ID) != sab.JoinNone {
			sz += w.PageSz * w.PageCnt
		}
	}
	return sz + TileExtraHugePages(tile)*sab.PAGE_HUGE + TileExtraNormalPages(tile)*sab.PAGE_NORMAL
}

// Summary is the resource footprint of a sized topology.
type Summary struct {
	HugePageCnt     uint64
	GiganticPageCnt uint64
	NormalPageCnt   uint64
	// MlockBytes is everything the topology locks: workspaces plus every
	// tile's extra pages.
	MlockBytes uint64
	// MlockMaxTile is the largest amount a single tile locks, the
	// RLIMIT_MEMLOCK a tile process needs.
	MlockMaxTile uint64
}

// Summarize totals the page requirements of every workspace and tile.
func Summarize(t *Topology) Summary {
	var s Summary
	for _, w := range t.Workspaces {
		switch w.PageSz {
		case sab.PAGE_GIGANTIC:
			s.GiganticPageCnt += w.PageCnt
		case sab.PAGE_HUGE:
			s.HugePageCnt += w.PageCnt
		default:
			s.NormalPageCnt += w.PageCnt
		}
		s.MlockBytes += w.PageSz * w.PageCnt
	}
	for _, tile := range t.Tiles {
		huge, normal := TileExtraHugePages(tile), TileExtraNormalPages(tile)
		s.HugePageCnt += huge
		s.NormalPageCnt += normal
		s.MlockBytes += huge*sab.PAGE_HUGE + normal*sab.PAGE_NORMAL
		s.MlockMaxTile = max(s.MlockMaxTile, TileMlock(t, tile))
	}
	return s
}

func inRefs(t *Topology, tile *Tile) string {
	refs := make([]string, 0, len(tile.Ins))
	for _, in := range tile.Ins {
		r := t.Links[in.Link].Ref()
		if !in.Polled {
			r += "(unpolled)"
		} else if !in.Reliable {
			r += "(unreliable)"
		}
		refs = append(refs, r)
	}
	return strings.Join(refs, ",")
}

func outRefs(t *Topology, tile *Tile) string {
	refs := make([]string, 0, len(tile.Outs)+1)
	for i, o := range tile.OutLinks() {
		r := t.Links[o].Ref()
		if i == 0 && tile.PrimaryOut != NoLink {
			r += "(primary)"
		}
		refs = append(refs, r)
	}
	return strings.Join(refs, ",")
}

// Print writes a human readable description of t.
func Print(w io.Writer, t *Topology) {
	s := Summarize(t)
	fmt.Fprintf(w, "topology %s: %d workspaces %d links %d tiles\n", t.App, len(t.Workspaces), len(t.Links), len(t.Tiles))
	fmt.Fprintf(w, "  pages: %d gigantic %d huge %d normal, %d bytes locked, %d bytes max per tile\n",
		s.GiganticPageCnt, s.HugePageCnt, s.NormalPageCnt, s.MlockBytes, s.MlockMaxTile)
	for _, ws := range t.Workspaces {
		fmt.Fprintf(w, "  wksp %3d %-20s %-8s page_sz=%-10d page_cnt=%-4d known=%-10d total=%d\n",
			ws.ID, ws.Name, ws.Role, ws.PageSz, ws.PageCnt, ws.KnownFootprint, ws.TotalFootprint)
	}
	for _, l := range t.Links {
		flags := ""
		if l.Feedback {
			flags = " feedback"
		}
		fmt.Fprintf(w, "  link %3d %-20s wksp=%-16s depth=%-6d mtu=%-6d burst=%d%s\n",
			l.ID, l.Ref(), t.Workspaces[l.WkspID].Name, l.Depth, l.MTU, l.Burst, flags)
	}
	for _, tile := range t.Tiles {
		fmt.Fprintf(w, "  tile %3d %-20s wksp=%-16s mlock=%-10d in=[%s] out=[%s]\n",
			tile.ID, tile.Name(), t.Workspaces[tile.WkspID].Name, TileMlock(t, tile), inRefs(t, tile), outRefs(t, tile))
	}
}

// Log reports t on logger, one entry per object.
func Log(logger *utils.Logger, t *Topology) {
	s := Summarize(t)
	logger.Info("topology",
		utils.String("app", t.App),
		utils.Int("workspaces", len(t.Workspaces)),
		utils.Int("links", len(t.Links)),
		utils.Int("tiles", len(t.Tiles)),
		utils.Uint64("gigantic_pages", s.GiganticPageCnt),
		utils.Uint64("huge_pages", s.HugePageCnt),
		utils.Uint64("normal_pages", s.NormalPageCnt),
		utils.Uint64("mlock_bytes", s.MlockBytes),
		utils.Uint64("mlock_max_tile", s.MlockMaxTile),
	)
	for _, w := range t.Workspaces {
		logger.Debug("workspace",
			utils.String("name", w.Name),
			utils.String("role", w.Role.String()),
			utils.Uint64("page_sz", w.PageSz),
			utils.Uint64("page_cnt", w.PageCnt),
			utils.Uint64("known", w.KnownFootprint),
		)
	}
	for _, tile := range t.Tiles {
		logger.Debug("tile",
			utils.String("name", tile.Name()),
			utils.String("wksp", t.Workspaces[tile.WkspID].Name),
			utils.Uint64("mlock", TileMlock(t, tile)),
			utils.String("in", inRefs(t, tile)),
			utils.String("out", outRefs(t, tile)),
		)
	}
}
