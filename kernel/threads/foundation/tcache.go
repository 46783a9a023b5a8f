package foundation

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Tcache layout: header, FIFO ring of the last depth tags, then an
// open-addressed map of the same tags.
const (
	TCACHE_ALIGN         = uint64(128)
	TCACHE_MAGIC         = uint64(0x5443414348450001)
	TCACHE_DEPTH_DEFAULT = uint64(16)
	TCACHE_TAG_NULL      = uint64(0)

	OFFSET_TCACHE_MAGIC   = 0x00
	OFFSET_TCACHE_DEPTH   = 0x08
	OFFSET_TCACHE_MAP_CNT = 0x10
	OFFSET_TCACHE_OLDEST  = 0x18
	OFFSET_TCACHE_RING    = 0x40
)

// TcacheMapCntDefault is the map size used when none is configured.
func TcacheMapCntDefault(depth uint64) uint64 {
	if depth == 0 {
		return 0
	}
	n := uint64(1)
	for n < 4*depth {
		n <<= 1
	}
	return n
}

// TcacheFootprint is the byte size of a cache of depth tags using mapCnt
// slots, or 0 when the geometry is invalid.
func TcacheFootprint(depth, mapCnt uint64) uint64 {
	if depth == 0 || !sab.IsPow2(mapCnt) || mapCnt <= depth {
		return 0
	}
	return sab.AlignUp(OFFSET_TCACHE_RING+8*depth+8*mapCnt, TCACHE_ALIGN)
}

// Tcache remembers the last depth distinct tags seen and reports repeats.
// Once full, inserting a new tag evicts the oldest one. It is owned by a
// single tile and is not safe for concurrent use.
type Tcache struct {
	mem    []byte
	depth  uint64
	mask   uint64
	ring   []uint64
	slots  []uint64
	shift  uint
	filter *bloom.BloomFilter

	evictions      uint64
	prefilterSkips uint64
}

// NewTcache formats mem as an empty cache.
func NewTcache(mem []byte, depth, mapCnt uint64) (*Tcache, error) {
	fp := TcacheFootprint(depth, mapCnt)
	if fp == 0 {
		return nil, fmt.Errorf("tcache depth %d map_cnt %d: %w", depth, mapCnt, ErrBadGeometry)
	}
	if uint64(len(mem)) < fp {
		return nil, fmt.Errorf("tcache needs %d bytes: %w", fp, ErrBadGeometry)
	}
	clear(mem[:fp])
	binary.LittleEndian.PutUint64(mem[OFFSET_TCACHE_MAGIC:], TCACHE_MAGIC)
	binary.LittleEndian.PutUint64(mem[OFFSET_TCACHE_DEPTH:], depth)
	binary.LittleEndian.PutUint64(mem[OFFSET_TCACHE_MAP_CNT:], mapCnt)
	return JoinTcache(mem)
}

// JoinTcache joins a formatted cache and rebuilds its private prefilter.
func JoinTcache(mem []byte) (*Tcache, error) {
	if uint64(len(mem)) < OFFSET_TCACHE_RING {
		return nil, fmt.Errorf("tcache: %w", ErrBadGeometry)
	}
	if binary.LittleEndian.Uint64(mem[OFFSET_TCACHE_MAGIC:]) != TCACHE_MAGIC {
		return nil, fmt.Errorf("tcache: %w", ErrBadMagic)
	}
	depth := binary.LittleEndian.Uint64(mem[OFFSET_TCACHE_DEPTH:])
	mapCnt := binary.LittleEndian.Uint64(mem[OFFSET_TCACHE_MAP_CNT:])
	fp := TcacheFootprint(depth, mapCnt)
	if fp == 0 || uint64(len(mem)) < fp {
		return nil, fmt.Errorf("tcache depth %d map_cnt %d: %w", depth, mapCnt, ErrBadGeometry)
	}
	t := &Tcache{
		mem:    mem,
		depth:  depth,
		mask:   mapCnt - 1,
		ring:   unsafe.Slice((*uint64)(unsafe.Pointer(&mem[OFFSET_TCACHE_RING])), depth),
		slots:  unsafe.Slice((*uint64)(unsafe.Pointer(&mem[OFFSET_TCACHE_RING+8*depth])), mapCnt),
		shift:  uint(64 - log2(mapCnt)),
		filter: bloom.NewWithEstimates(uint(depth), 0.01),
	}
	t.rebuildPrefilter()
	return t, nil
}

func log2(x uint64) uint64 {
	n := uint64(0)
	for x > 1 {
		x >>= 1
		n++
	}
	return n
}

func (t *Tcache) Depth() uint64 { return t.depth }
func (t *Tcache) MapCnt() uint64 { return t.mask + 1 }

// Evictions counts tags dropped from the FIFO since the prefilter was rebuilt.
func (t *Tcache) Evictions() uint64 { return t.evictions }

// PrefilterSkips counts lookups answered by the prefilter alone.
func (t *Tcache) PrefilterSkips() uint64 { return t.prefilterSkips }

func (t *Tcache) oldest() uint64 {
	return binary.LittleEndian.Uint64(t.mem[OFFSET_TCACHE_OLDEST:])
}

func (t *Tcache) setOldest(v uint64) {
	binary.LittleEndian.PutUint64(t.mem[OFFSET_TCACHE_OLDEST:], v)
}

func (t *Tcache) home(tag uint64) uint64 {
	return (tag * 0x9e3779b97f4a7c15) >> t.shift
}

func tagKey(tag uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], tag)
	return b[:]
}

// find returns the map slot holding tag, or the empty slot where it would go.
func (t *Tcache) find(tag uint64) (uint64, bool) {
	for i := t.home(tag); ; i = (i + 1) & t.mask {
		switch t.slots[i] {
		case tag:
			return i, true
		case TCACHE_TAG_NULL:
			return i, false
		}
	}
}

// Query reports whether tag is currently held.
func (t *Tcache) Query(tag uint64) bool {
	if tag == TCACHE_TAG_NULL {
		return false
	}
	if !t.filter.Test(tagKey(tag)) {
		t.prefilterSkips++
		return false
	}
	_, ok := t.find(tag)
	return ok
}

// Insert records tag and reports whether it was already held. The null tag
// is never stored and never a duplicate.
func (t *Tcache) Insert(tag uint64) (dup bool) {
	if tag == TCACHE_TAG_NULL {
		return false
	}
	if t.Query(tag) {
		return true
	}

	oldest := t.oldest()
	if evict := t.ring[oldest]; evict != TCACHE_TAG_NULL {
		t.remove(evict)
		t.evictions++
	}
	t.ring[oldest] = tag
	t.setOldest((oldest + 1) % t.depth)

	slot, _ := t.find(tag)
	t.slots[slot] = tag
	t.filter.Add(tagKey(tag))

	if t.evictions >= t.depth {
		t.rebuildPrefilter()
	}
	return false
}

// remove deletes tag from the map, shifting later probe-chain entries back
// so lookups never stop early at the hole.
func (t *Tcache) remove(tag uint64) {
	hole, ok := t.find(tag)
	if !ok {
		return
	}
	t.slots[hole] = TCACHE_TAG_NULL
	for j := (hole + 1) & t.mask; t.slots[j] != TCACHE_TAG_NULL; j = (j + 1) & t.mask {
		h := t.home(t.slots[j])
		// Entry at j may fill the hole unless its home lies cyclically in (hole, j].
		if (j > hole && (h <= hole || h > j)) || (j < hole && h <= hole && h > j) {
			t.slots[hole] = t.slots[j]
			t.slots[j] = TCACHE_TAG_NULL
			hole = j
		}
	}
}

// Reset forgets every tag.
func (t *Tcache) Reset() {
	clear(t.ring)
	clear(t.slots)
	t.setOldest(0)
	t.rebuildPrefilter()
}

func (t *Tcache) rebuildPrefilter() {
	t.filter.ClearAll()
	for _, tag := range t.ring {
		if tag != TCACHE_TAG_NULL {
			t.filter.Add(tagKey(tag))
		}
	}
	t.evictions = 0
}
