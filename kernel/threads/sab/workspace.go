package sab

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Workspace is the header view over a joined region. It carries the page
// geometry, the name and a bump allocator handing out object space.
type Workspace struct {
	mem MemoryProvider
	buf []byte
}

// NewWorkspace formats mem as an empty workspace called name.
func NewWorkspace(mem MemoryProvider, name string, pageSz, pageCnt uint64) (*Workspace, error) {
	if !mem.Mode().CanWrite() {
		return nil, ErrReadOnly
	}
	if len(name) == 0 || len(name) > WKSP_NAME_MAX {
		return nil, &LayoutError{Code: "BAD_NAME", Message: fmt.Sprintf("workspace name %q must be 1..%d bytes", name, WKSP_NAME_MAX)}
	}
	buf := mem.Bytes()
	size := uint64(len(buf))
	if size < pageSz*pageCnt || size <= WKSP_HEADER_SZ {
		return nil, &LayoutError{Code: "REGION_TOO_SMALL", Message: fmt.Sprintf("region %s is %d bytes, want %d", mem.Name(), size, pageSz*pageCnt)}
	}
	clear(buf[:WKSP_HEADER_SZ])
	binary.LittleEndian.PutUint64(buf[OFFSET_WKSP_PAGE_SZ:], pageSz)
	binary.LittleEndian.PutUint64(buf[OFFSET_WKSP_PAGE_CNT:], pageCnt)
	binary.LittleEndian.PutUint64(buf[OFFSET_WKSP_DATA_OFF:], OFFSET_WKSP_DATA)
	binary.LittleEndian.PutUint64(buf[OFFSET_WKSP_DATA_MAX:], size-OFFSET_WKSP_DATA)
	binary.LittleEndian.PutUint64(buf[OFFSET_WKSP_NAME_LEN:], uint64(len(name)))
	copy(buf[OFFSET_WKSP_NAME:OFFSET_WKSP_NAME+WKSP_NAME_MAX], name)
	atomic.StoreUint64(Word(buf, OFFSET_WKSP_ALLOC_HI), OFFSET_WKSP_DATA)
	atomic.StoreUint64(Word(buf, OFFSET_WKSP_MAGIC), WKSP_MAGIC)
	return &Workspace{mem: mem, buf: buf}, nil
}

// JoinWorkspace validates the header of an already formatted region.
func JoinWorkspace(mem MemoryProvider) (*Workspace, error) {
	buf := mem.Bytes()
	if uint64(len(buf)) <= WKSP_HEADER_SZ {
		return nil, &LayoutError{Code: "REGION_TOO_SMALL", Message: mem.Name()}
	}
	if atomic.LoadUint64(Word(buf, OFFSET_WKSP_MAGIC)) != WKSP_MAGIC {
		return nil, &LayoutError{Code: "BAD_MAGIC", Message: "region " + mem.Name() + " is not a workspace"}
	}
	w := &Workspace{mem: mem, buf: buf}
	if w.DataOffset()+w.DataMax() != uint64(len(buf)) {
		return nil, &LayoutError{Code: "BAD_GEOMETRY", Message: "region " + mem.Name() + " size disagrees with header"}
	}
	return w, nil
}

func (w *Workspace) u64(off uint64) uint64 { return binary.LittleEndian.Uint64(w.buf[off:]) }

func (w *Workspace) Provider() MemoryProvider { return w.mem }
func (w *Workspace) Bytes() []byte { return w.buf }
func (w *Workspace) Mode() JoinMode { return w.mem.Mode() }
func (w *Workspace) PageSz() uint64 { return w.u64(OFFSET_WKSP_PAGE_SZ) }
func (w *Workspace) PageCnt() uint64 { return w.u64(OFFSET_WKSP_PAGE_CNT) }
func (w *Workspace) DataOffset() uint64 { return w.u64(OFFSET_WKSP_DATA_OFF) }
func (w *Workspace) DataMax() uint64 { return w.u64(OFFSET_WKSP_DATA_MAX) }

// KnownFootprint is the size reserved for topology-placed objects.
func (w *Workspace) KnownFootprint() uint64 {
	return atomic.LoadUint64(Word(w.buf, OFFSET_WKSP_KNOWN))
}

// Name returns the workspace name recorded at format time.
func (w *Workspace) Name() string {
	n := w.u64(OFFSET_WKSP_NAME_LEN)
	if n > WKSP_NAME_MAX {
		n = WKSP_NAME_MAX
	}
	return string(w.buf[OFFSET_WKSP_NAME : OFFSET_WKSP_NAME+n])
}

// Used is the high-water offset of the allocator.
func (w *Workspace) Used() uint64 {
	return atomic.LoadUint64(Word(w.buf, OFFSET_WKSP_ALLOC_HI))
}

// AllocCount is the number of successful allocations.
func (w *Workspace) AllocCount() uint64 {
	return atomic.LoadUint64(Word(w.buf, OFFSET_WKSP_ALLOC_CNT))
}

// Alloc reserves sz bytes at the given power-of-two alignment and returns the
// offset from the region base. Safe for concurrent callers.
func (w *Workspace) Alloc(align, sz uint64) (uint64, error) {
	if !w.Mode().CanWrite() {
		return 0, ErrReadOnly
	}
	if !IsPow2(align) {
		return 0, &LayoutError{Code: "BAD_ALIGN", Message: fmt.Sprintf("align %d is not a power of two", align)}
	}
	hi := Word(w.buf, OFFSET_WKSP_ALLOC_HI)
	end := uint64(len(w.buf))
	for {
		cur := atomic.LoadUint64(hi)
		off := AlignUp(cur, align)
		if off < cur || off > end || sz > end-off {
			return 0, &LayoutError{Code: "WKSP_FULL", Message: fmt.Sprintf("%s: %d bytes at align %d do not fit (used %d of %d)", w.Name(), sz, align, cur, end)}
		}
		if atomic.CompareAndSwapUint64(hi, cur, off+sz) {
			atomic.AddUint64(Word(w.buf, OFFSET_WKSP_ALLOC_CNT), 1)
			return off, nil
		}
	}
}

// ReserveKnown allocates the topology-placed object space. It must be the
// first allocation and must land exactly at the lowest usable address.
func (w *Workspace) ReserveKnown(footprint uint64) (uint64, error) {
	if w.AllocCount() != 0 {
		return 0, &LayoutError{Code: "KNOWN_NOT_FIRST", Message: w.Name() + ": object space must be the first allocation"}
	}
	off, err := w.Alloc(WKSP_ALIGN, footprint)
	if err != nil {
		return 0, err
	}
	if off != AlignUp(w.DataOffset(), WKSP_ALIGN) {
		return 0, &LayoutError{Code: "KNOWN_MISPLACED", Message: fmt.Sprintf("%s: object space at %d, want %d", w.Name(), off, w.DataOffset())}
	}
	atomic.StoreUint64(Word(w.buf, OFFSET_WKSP_KNOWN), footprint)
	return off, nil
}

// Slice returns the object memory at [off, off+sz).
func (w *Workspace) Slice(off, sz uint64) ([]byte, error) {
	if err := checkRange(uint64(len(w.buf)), off, int(sz)); err != nil {
		return nil, err
	}
	return w.buf[off : off+sz : off+sz], nil
}

// Close releases the mapping.
func (w *Workspace) Close() error {
	return w.mem.Close()
}
