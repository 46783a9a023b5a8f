package foundation

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Dcache arena layout. Payloads are addressed in chunks of sab.CHUNK_SZ bytes
// counted from the base of the workspace holding the arena, so a chunk index
// means the same thing in every process that maps the workspace.
const (
	DCACHE_ALIGN = uint64(128)
	DCACHE_MAGIC = uint64(0x4443414348450001)

	OFFSET_DCACHE_MAGIC   = 0x00
	OFFSET_DCACHE_DATA_SZ = 0x08
	OFFSET_DCACHE_MTU     = 0x10
	DCACHE_HEADER_SZ      = uint64(128)
)

// DcacheReqDataSz is the arena size needed so that the last depth+burst
// payloads of at most mtu bytes are never overwritten while their descriptors
// are still in the ring. Compact arenas pack payloads back to back and keep one
// extra mtu slot as wrap headroom. Returns 0 for invalid arguments.
func DcacheReqDataSz(mtu, depth, burst uint64, compact bool) uint64 {
	if mtu == 0 || depth == 0 || burst == 0 {
		return 0
	}
	slot := sab.AlignUp(mtu, sab.CHUNK_ALIGN)
	cnt := depth + burst
	if compact {
		cnt++
	}
	return slot * cnt
}

// DcacheFootprint is the byte size of an arena with dataSz payload bytes.
func DcacheFootprint(dataSz uint64) uint64 {
	return DCACHE_HEADER_SZ + sab.AlignUp(dataSz, DCACHE_ALIGN)
}

// Dcache is a payload arena inside a workspace.
type Dcache struct {
	wksp   []byte
	off    uint64
	dataSz uint64
	mtu    uint64
}

// NewDcache formats the arena whose header is at off in wksp.
func NewDcache(wksp []byte, off, dataSz, mtu uint64) (*Dcache, error) {
	if !sab.IsAligned(off, DCACHE_ALIGN) || dataSz == 0 || mtu == 0 || mtu > dataSz {
		return nil, fmt.Errorf("dcache at %d data_sz %d mtu %d: %w", off, dataSz, mtu, ErrBadGeometry)
	}
	fp := DcacheFootprint(dataSz)
	if off > uint64(len(wksp)) || fp > uint64(len(wksp))-off {
		return nil, fmt.Errorf("dcache needs %d bytes at %d: %w", fp, off, ErrBadGeometry)
	}
	hdr := wksp[off : off+DCACHE_HEADER_SZ]
	clear(hdr)
	binary.LittleEndian.PutUint64(hdr[OFFSET_DCACHE_DATA_SZ:], dataSz)
	binary.LittleEndian.PutUint64(hdr[OFFSET_DCACHE_MTU:], mtu)
	atomic.StoreUint64(sab.Word(wksp, off+OFFSET_DCACHE_MAGIC), DCACHE_MAGIC)
	return &Dcache{wksp: wksp, off: off, dataSz: dataSz, mtu: mtu}, nil
}

// JoinDcache joins an arena formatted by NewDcache.
func JoinDcache(wksp []byte, off uint64) (*Dcache, error) {
	if off+DCACHE_HEADER_SZ > uint64(len(wksp)) || !sab.IsAligned(off, DCACHE_ALIGN) {
		return nil, fmt.Errorf("dcache at %d: %w", off, ErrBadGeometry)
	}
	if atomic.LoadUint64(sab.Word(wksp, off+OFFSET_DCACHE_MAGIC)) != DCACHE_MAGIC {
		return nil, fmt.Errorf("dcache at %d: %w", off, ErrBadMagic)
	}
	dataSz := binary.LittleEndian.Uint64(wksp[off+OFFSET_DCACHE_DATA_SZ:])
	if DcacheFootprint(dataSz) > uint64(len(wksp))-off {
		return nil, fmt.Errorf("dcache data_sz %d at %d: %w", dataSz, off, ErrBadGeometry)
	}
	return &Dcache{
		wksp:   wksp,
		off:    off,
		dataSz: dataSz,
		mtu:    binary.LittleEndian.Uint64(wksp[off+OFFSET_DCACHE_MTU:]),
	}, nil
}

func (d *Dcache) DataSz() uint64 { return d.dataSz }
func (d *Dcache) MTU() uint64 { return d.mtu }

// Chunk0 is the first chunk of the arena.
func (d *Dcache) Chunk0() uint32 {
	return uint32((d.off + DCACHE_HEADER_SZ) >> sab.CHUNK_LG_SZ)
}

// Chunk1 is one past the last chunk of the arena.
func (d *Dcache) Chunk1() uint32 {
	return uint32((d.off + DCACHE_HEADER_SZ + d.dataSz) >> sab.CHUNK_LG_SZ)
}

// Wmark is the highest chunk at which an mtu-sized payload still fits.
func (d *Dcache) Wmark() uint32 {
	return d.Chunk1() - chunkCnt(d.mtu)
}

func chunkCnt(sz uint64) uint32 {
	return uint32((sz + sab.CHUNK_SZ - 1) >> sab.CHUNK_LG_SZ)
}

// CompactNext returns the chunk following a payload of sz bytes at chunk,
// wrapping to chunk0 once the next payload could run past the arena.
func CompactNext(chunk uint32, sz uint64, chunk0, wmark uint32) uint32 {
	chunk += chunkCnt(sz)
	if chunk > wmark {
		return chunk0
	}
	return chunk
}

// ChunkOffset converts a chunk index to a workspace offset.
func ChunkOffset(chunk uint32) uint64 { return uint64(chunk) << sab.CHUNK_LG_SZ }

// Contains reports whether sz bytes at chunk lie inside the arena. Consumers
// check this before touching a payload named by a descriptor.
func (d *Dcache) Contains(chunk uint32, sz uint64) bool {
	if chunk < d.Chunk0() || chunk >= d.Chunk1() {
		return false
	}
	return ChunkOffset(chunk)+sz <= ChunkOffset(d.Chunk1())
}

// ChunkSlice returns the payload bytes at chunk, or false when they are not
// inside the arena.
func (d *Dcache) ChunkSlice(chunk uint32, sz uint64) ([]byte, bool) {
	if !d.Contains(chunk, sz) {
		return nil, false
	}
	off := ChunkOffset(chunk)
	return d.wksp[off : off+sz : off+sz], true
}
