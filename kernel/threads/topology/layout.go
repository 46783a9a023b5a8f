package topology

import (
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// FillMode selects what the layout walk does at each placement. The walk
// and its arithmetic are identical in every mode, so the offsets a process
// joins at are exactly the ones the creator formatted.
type FillMode int

const (
	// FillMeasure computes offsets and footprints without touching memory.
	FillMeasure FillMode = iota
	// FillConstruct formats every object in a freshly created workspace.
	FillConstruct
	// FillAttach joins every object in an existing workspace.
	FillAttach
)

func (m FillMode) String() string {
	switch m {
	case FillMeasure:
		return "measure"
	case FillConstruct:
		return "construct"
	case FillAttach:
		return "attach"
	}
	return "unknown"
}

// TileMem supplies the scratch space requirements of each tile kind.
type TileMem struct {
	Align     func(*Tile) uint64
	Footprint func(*Tile) uint64
}

// Placement is one object the walk put in a workspace. Offset is relative to
// the first usable byte of the workspace.
type Placement struct {
	Object string
	Offset uint64
	Size   uint64
	Align  uint64
}

type walker struct {
	t     *Topology
	w     *Workspace
	mode  FillMode
	j     *Joint
	ws    *sab.Workspace
	base  uint64
	cur   uint64
	now   int64
	place []Placement
}

func (wk *walker) alloc(object string, align, sz uint64) (uint64, error) {
	if !sab.IsPow2(align) {
		return 0, fmt.Errorf("%s: align %d is not a power of two", object, align)
	}
	off := sab.AlignUp(wk.cur, align)
	wk.cur = off + sz
	wk.place = append(wk.place, Placement{Object: object, Offset: off - wk.base, Size: sz, Align: align})
	return off, nil
}

func (wk *walker) slice(object string, off, sz uint64) ([]byte, error) {
	b, err := wk.ws.Slice(off, sz)
	if err != nil {
		return nil, fmt.Errorf("%s in %s: %w", object, wk.w.Name, err)
	}
	return b, nil
}

// Fill walks workspace w in mode. Construct and attach modes need the
// workspace joined in j.
func Fill(t *Topology, w *Workspace, mode FillMode, mem TileMem, j *Joint) ([]Placement, error) {
	wk := &walker{t: t, w: w, mode: mode, j: j, now: time.Now().UnixNano()}
	if mode != FillMeasure {
		if j == nil || j.Wksp[w.ID] == nil {
			return nil, fmt.Errorf("fill %s: workspace %s not joined", mode, w.Name)
		}
		wk.ws = j.Wksp[w.ID]
		wk.base = sab.AlignUp(wk.ws.DataOffset(), sab.WKSP_ALIGN)
	}
	wk.cur = wk.base

	if err := wk.links(); err != nil {
		return nil, err
	}
	if err := wk.shared(); err != nil {
		return nil, err
	}
	if err := wk.metrics(); err != nil {
		return nil, err
	}
	if err := wk.scratch(mem); err != nil {
		return nil, err
	}

	footprint := sab.AlignUp(wk.cur-wk.base, sab.WKSP_ALIGN)
	switch mode {
	case FillMeasure:
		w.KnownFootprint = footprint
		w.TotalFootprint = footprint + sab.AlignUp(w.LooseSz, sab.WKSP_ALIGN)
		w.PageSz, w.PageCnt = sab.PageGeometry(w.TotalFootprint)
	default:
		if footprint != w.KnownFootprint {
			return nil, &sab.LayoutError{Code: "FOOTPRINT_MISMATCH", Message: fmt.Sprintf("%s: %s walk used %d bytes, sized for %d", w.Name, mode, footprint, w.KnownFootprint)}
		}
	}
	return wk.place, nil
}

func (wk *walker) links() error {
	for _, l := range wk.t.Links {
		if l.WkspID != wk.w.ID {
			continue
		}
		name := "link " + l.Ref()
		mcSz := foundation.McacheFootprint(l.Depth)
		mcOff, err := wk.alloc(name+" mcache", foundation.MCACHE_ALIGN, mcSz)
		if err != nil {
			return err
		}
		var dcOff, dataSz uint64
		if l.MTU > 0 {
			dataSz = foundation.DcacheReqDataSz(l.MTU, l.Depth, l.Burst, true)
			if dcOff, err = wk.alloc(name+" dcache", foundation.DCACHE_ALIGN, foundation.DcacheFootprint(dataSz)); err != nil {
				return err
			}
		}
		if wk.mode == FillMeasure {
			continue
		}

		mem, err := wk.slice(name, mcOff, mcSz)
		if err != nil {
			return err
		}
		var mc *foundation.Mcache
		if wk.mode == FillConstruct {
			mc, err = foundation.NewMcache(mem, l.Depth, 0)
		} else {
			mc, err = foundation.JoinMcache(mem)
		}
		if err != nil {
			return fmt.Errorf("%s mcache: %w", name, err)
		}
		wk.j.Mcache[l.ID] = mc

		if l.MTU == 0 {
			continue
		}
		var dc *foundation.Dcache
		if wk.mode == FillConstruct {
			dc, err = foundation.NewDcache(wk.ws.Bytes(), dcOff, dataSz, l.MTU)
		} else {
			dc, err = foundation.JoinDcache(wk.ws.Bytes(), dcOff)
		}
		if err != nil {
			return fmt.Errorf("%s dcache: %w", name, err)
		}
		wk.j.Dcache[l.ID] = dc
	}
	return nil
}

func (wk *walker) fseq(object string) (*foundation.Fseq, error) {
	off, err := wk.alloc(object, foundation.FSEQ_ALIGN, foundation.FSEQ_FOOTPRINT)
	if err != nil || wk.mode == FillMeasure {
		return nil, err
	}
	mem, err := wk.slice(object, off, foundation.FSEQ_FOOTPRINT)
	if err != nil {
		return nil, err
	}
	var f *foundation.Fseq
	if wk.mode == FillConstruct {
		f, err = foundation.NewFseq(mem, 0)
	} else {
		f, err = foundation.JoinFseq(mem)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", object, err)
	}
	return f, nil
}

func (wk *walker) shared() error {
	if wk.w.Role != RoleShared {
		return nil
	}
	for i := 0; i < wk.w.SharedFseqCnt; i++ {
		f, err := wk.fseq(fmt.Sprintf("shared fseq %d", i))
		if err != nil {
			return err
		}
		if wk.mode != FillMeasure {
			wk.j.SharedFseq[wk.w.ID] = append(wk.j.SharedFseq[wk.w.ID], f)
		}
	}
	return nil
}

func (wk *walker) metrics() error {
	if wk.w.Role != RoleMetrics {
		return nil
	}
	for _, tile := range wk.t.Tiles {
		name := "tile " + tile.Name()
		cncSz := foundation.CncFootprint(foundation.CNC_APP_SZ)
		cncOff, err := wk.alloc(name+" cnc", foundation.CNC_ALIGN, cncSz)
		if err != nil {
			return err
		}
		if wk.mode != FillMeasure {
			mem, err := wk.slice(name+" cnc", cncOff, cncSz)
			if err != nil {
				return err
			}
			var c *foundation.Cnc
			if wk.mode == FillConstruct {
				c, err = foundation.NewCnc(mem, foundation.CNC_APP_SZ, uint64(tile.Kind), wk.now)
			} else {
				c, err = foundation.JoinCnc(mem)
			}
			if err != nil {
				return fmt.Errorf("%s cnc: %w", name, err)
			}
			wk.j.Cnc[tile.ID] = c
		}

		for i, in := range tile.Ins {
			f, err := wk.fseq(fmt.Sprintf("%s in %s fseq", name, wk.t.Links[in.Link].Ref()))
			if err != nil {
				return err
			}
			if wk.mode != FillMeasure {
				wk.j.InFseq[tile.ID][i] = f
			}
		}

		inCnt, outCnt := uint64(len(tile.Ins)), uint64(wk.t.reliableOutCnt(tile))
		mSz := foundation.MetricsFootprint(inCnt, outCnt)
		mOff, err := wk.alloc(name+" metrics", foundation.METRICS_ALIGN, mSz)
		if err != nil {
			return err
		}
		if wk.mode == FillMeasure {
			continue
		}
		mem, err := wk.slice(name+" metrics", mOff, mSz)
		if err != nil {
			return err
		}
		var m *foundation.Metrics
		if wk.mode == FillConstruct {
			m, err = foundation.NewMetrics(mem, inCnt, outCnt)
		} else {
			m, err = foundation.JoinMetrics(mem)
		}
		if err != nil {
			return fmt.Errorf("%s metrics: %w", name, err)
		}
		wk.j.Metrics[tile.ID] = m
	}
	return nil
}

func (wk *walker) scratch(mem TileMem) error {
	for _, tile := range wk.t.Tiles {
		if tile.WkspID != wk.w.ID {
			continue
		}
		align, sz := uint64(1), uint64(0)
		if mem.Align != nil {
			if a := mem.Align(tile); a != 0 {
				align = a
			}
		}
		if mem.Footprint != nil {
			sz = mem.Footprint(tile)
		}
		name := "tile " + tile.Name() + " scratch"
		off, err := wk.alloc(name, align, sz)
		if err != nil {
			return err
		}
		if wk.mode == FillMeasure {
			continue
		}
		b, err := wk.slice(name, off, sz)
		if err != nil {
			return err
		}
		wk.j.Scratch[tile.ID] = b
	}
	return nil
}

// Size validates t and computes every workspace's footprint and page
// geometry.
func Size(t *Topology, mem TileMem) error {
	if err := Validate(t); err != nil {
		return err
	}
	for _, w := range t.Workspaces {
		if _, err := Fill(t, w, FillMeasure, mem, nil); err != nil {
			return err
		}
	}
	t.sized = true
	return nil
}

// Construct creates and formats every workspace of t in backend. The
// returned joint holds read-write handles to everything; close it when done.
func Construct(t *Topology, backend sab.Backend, mem TileMem) (*Joint, error) {
	if !t.sized {
		if err := Size(t, mem); err != nil {
			return nil, err
		}
	}
	j := newJoint(t, nil)
	var created []string
	cleanup := func() {
		_ = j.Close()
		for _, name := range created {
			_ = backend.Remove(name)
		}
	}

	for _, w := range t.Workspaces {
		name := sab.RegionFileName(t.App, w.Name)
		p, err := backend.Create(name, w.PageSz, w.PageCnt)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("create workspace %s: %w", w.Name, err)
		}
		created = append(created, name)
		ws, err := sab.NewWorkspace(p, w.Name, w.PageSz, w.PageCnt)
		if err != nil {
			_ = p.Close()
			cleanup()
			return nil, fmt.Errorf("format workspace %s: %w", w.Name, err)
		}
		j.Wksp[w.ID], j.Mode[w.ID] = ws, sab.JoinReadWrite

		known, err := ws.ReserveKnown(w.KnownFootprint)
		if err != nil {
			cleanup()
			return nil, err
		}
		placements, err := Fill(t, w, FillConstruct, mem, j)
		if err != nil {
			cleanup()
			return nil, err
		}
		j.Placements[w.ID] = placements
		v := sab.NewValidator(known, known+w.KnownFootprint)
		for _, pl := range placements {
			if err := v.RegisterRegion(pl.Object, known+pl.Offset, pl.Size, w.Name); err != nil {
				cleanup()
				return nil, err
			}
		}
	}
	return j, nil
}

// Destroy removes every workspace region of t from backend.
func Destroy(t *Topology, backend sab.Backend) error {
	var errs []error
	for _, w := range t.Workspaces {
		err := backend.Remove(sab.RegionFileName(t.App, w.Name))
		if err != nil && !errors.Is(err, sab.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Attach joins the workspaces tile needs, each in the mode NeedsWorkspace
// grants, and joins every object inside them.
func Attach(t *Topology, tile *Tile, backend sab.Backend, mem TileMem) (*Joint, error) {
	return attach(t, tile, backend, mem, func(w *Workspace) sab.JoinMode {
		return NeedsWorkspace(t, tile, w.ID)
	})
}

// AttachAll joins every workspace in mode. Monitors use it read-only.
func AttachAll(t *Topology, backend sab.Backend, mode sab.JoinMode, mem TileMem) (*Joint, error) {
	return attach(t, nil, backend, mem, func(*Workspace) sab.JoinMode { return mode })
}

func attach(t *Topology, tile *Tile, backend sab.Backend, mem TileMem, modeOf func(*Workspace) sab.JoinMode) (*Joint, error) {
	if !t.sized {
		if err := Size(t, mem); err != nil {
			return nil, err
		}
	}
	j := newJoint(t, tile)
	for _, w := range t.Workspaces {
		mode := modeOf(w)
		if mode == sab.JoinNone {
			continue
		}
		p, err := backend.Join(sab.RegionFileName(t.App, w.Name), mode)
		if err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("join workspace %s: %w", w.Name, err)
		}
		ws, err := sab.JoinWorkspace(p)
		if err != nil {
			_ = p.Close()
			_ = j.Close()
			return nil, fmt.Errorf("join workspace %s: %w", w.Name, err)
		}
		j.Wksp[w.ID], j.Mode[w.ID] = ws, mode
		if ws.KnownFootprint() != w.KnownFootprint || ws.Name() != w.Name {
			_ = j.Close()
			return nil, &sab.LayoutError{Code: "STALE_WORKSPACE", Message: fmt.Sprintf("%s was built for a different topology", w.Name)}
		}
		placements, err := Fill(t, w, FillAttach, mem, j)
		if err != nil {
			_ = j.Close()
			return nil, err
		}
		j.Placements[w.ID] = placements
	}
	return j, nil
}
