package foundation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Mcache ring layout.
const (
	MCACHE_ALIGN     = uint64(128)
	MCACHE_MAGIC     = uint64(0x4d43414348450001)
	MCACHE_SEQ_CNT   = 16
	MCACHE_DEPTH_MAX = uint64(1) << 31

	OFFSET_MCACHE_MAGIC = 0x00
	OFFSET_MCACHE_DEPTH = 0x08
	OFFSET_MCACHE_SEQ0  = 0x10
	OFFSET_MCACHE_SEQ   = 0x80 // MCACHE_SEQ_CNT sync words
	OFFSET_MCACHE_RING  = 0x100
)

var (
	ErrBadMagic    = errors.New("bad magic")
	ErrBadGeometry = errors.New("bad geometry")
)

// McacheFootprint is the byte size of a ring of depth lines, or 0 when depth
// is not a valid power of two.
func McacheFootprint(depth uint64) uint64 {
	if !sab.IsPow2(depth) || depth > MCACHE_DEPTH_MAX {
		return 0
	}
	return sab.AlignUp(OFFSET_MCACHE_RING+depth*FRAG_META_SZ, MCACHE_ALIGN)
}

// Mcache is a single-producer multi-consumer ring of frame descriptors. A
// consumer never blocks the producer: lagging consumers detect that they were
// lapped by comparing the sequence number stored in a line with the one they
// expected there.
type Mcache struct {
	mem   []byte
	depth uint64
	mask  uint64
	seq0  uint64
}

// NewMcache formats mem as an empty ring whose first published frame is seq0.
func NewMcache(mem []byte, depth, seq0 uint64) (*Mcache, error) {
	fp := McacheFootprint(depth)
	if fp == 0 {
		return nil, fmt.Errorf("mcache depth %d: %w", depth, ErrBadGeometry)
	}
	if uint64(len(mem)) < fp {
		return nil, fmt.Errorf("mcache needs %d bytes, have %d: %w", fp, len(mem), ErrBadGeometry)
	}
	clear(mem[:fp])
	binary.LittleEndian.PutUint64(mem[OFFSET_MCACHE_DEPTH:], depth)
	binary.LittleEndian.PutUint64(mem[OFFSET_MCACHE_SEQ0:], seq0)

	m := &Mcache{mem: mem, depth: depth, mask: depth - 1, seq0: seq0}
	// Every line starts out holding a sequence one lap behind the first frame
	// that will land in it, so consumers starting at seq0 see "not ready".
	for i := uint64(0); i < depth; i++ {
		s := SeqInc(seq0, i)
		atomic.StoreUint64(m.seqWord(s), SeqDec(s, depth))
	}
	m.SeqUpdate(seq0)
	atomic.StoreUint64(sab.Word(mem, OFFSET_MCACHE_MAGIC), MCACHE_MAGIC)
	return m, nil
}

// JoinMcache joins a ring formatted by NewMcache.
func JoinMcache(mem []byte) (*Mcache, error) {
	if uint64(len(mem)) < OFFSET_MCACHE_RING {
		return nil, fmt.Errorf("mcache: %w", ErrBadGeometry)
	}
	if atomic.LoadUint64(sab.Word(mem, OFFSET_MCACHE_MAGIC)) != MCACHE_MAGIC {
		return nil, fmt.Errorf("mcache: %w", ErrBadMagic)
	}
	depth := binary.LittleEndian.Uint64(mem[OFFSET_MCACHE_DEPTH:])
	fp := McacheFootprint(depth)
	if fp == 0 || uint64(len(mem)) < fp {
		return nil, fmt.Errorf("mcache depth %d in %d bytes: %w", depth, len(mem), ErrBadGeometry)
	}
	return &Mcache{
		mem:   mem,
		depth: depth,
		mask:  depth - 1,
		seq0:  binary.LittleEndian.Uint64(mem[OFFSET_MCACHE_SEQ0:]),
	}, nil
}

func (m *Mcache) Depth() uint64 { return m.depth }
func (m *Mcache) Seq0() uint64 { return m.seq0 }

// LineIdx maps a sequence number to its ring line.
func (m *Mcache) LineIdx(seq uint64) uint64 { return seq & m.mask }

func (m *Mcache) lineOff(seq uint64) uint64 {
	return OFFSET_MCACHE_RING + m.LineIdx(seq)*FRAG_META_SZ
}

func (m *Mcache) seqWord(seq uint64) *uint64 {
	return sab.Word(m.mem, m.lineOff(seq)+OFFSET_META_SEQ)
}

// LineSeq loads the sequence number currently stored in the line seq maps to.
// The load has acquire semantics: fields read after it are at least as new.
func (m *Mcache) LineSeq(seq uint64) uint64 {
	return atomic.LoadUint64(m.seqWord(seq))
}

// Query reads the descriptor in the line seq maps to. The caller must compare
// the returned Seq with what it expected and re-check LineSeq after consuming
// the payload to detect the producer lapping it mid-read.
func (m *Mcache) Query(seq uint64) FragMeta {
	off := m.lineOff(seq)
	meta := FragMeta{
		Seq: atomic.LoadUint64(sab.Word(m.mem, off+OFFSET_META_SEQ)),
		Sig: atomic.LoadUint64(sab.Word(m.mem, off+OFFSET_META_SIG)),
	}
	meta.Chunk, meta.Sz, meta.Ctl = unpackChunkWord(atomic.LoadUint64(sab.Word(m.mem, off+OFFSET_META_CHUNK)))
	ts := atomic.LoadUint64(sab.Word(m.mem, off+OFFSET_META_TS))
	meta.TsOrig, meta.TsPub = uint32(ts), uint32(ts>>32)
	return meta
}

// Publish writes a descriptor for seq. The line is first marked as belonging
// to seq-1 so a consumer that read it before the update notices the change;
// the final store of seq releases the new fields.
func (m *Mcache) Publish(seq, sig uint64, chunk uint32, sz, ctl uint16, tsorig, tspub uint32) {
	off := m.lineOff(seq)
	seqw := sab.Word(m.mem, off+OFFSET_META_SEQ)
	atomic.StoreUint64(seqw, SeqDec(seq, 1))
	atomic.StoreUint64(sab.Word(m.mem, off+OFFSET_META_SIG), sig)
	atomic.StoreUint64(sab.Word(m.mem, off+OFFSET_META_CHUNK), packChunkWord(chunk, sz, ctl))
	atomic.StoreUint64(sab.Word(m.mem, off+OFFSET_META_TS), uint64(tsorig)|uint64(tspub)<<32)
	atomic.StoreUint64(seqw, seq)
}

// SeqQuery returns the producer's last advertised next sequence number.
// Consumers joining late start from here.
func (m *Mcache) SeqQuery() uint64 {
	return atomic.LoadUint64(sab.Word(m.mem, OFFSET_MCACHE_SEQ))
}

// SeqUpdate advertises the producer's next sequence number. Producers call it
// at housekeeping.
func (m *Mcache) SeqUpdate(seq uint64) {
	atomic.StoreUint64(sab.Word(m.mem, OFFSET_MCACHE_SEQ), seq)
}
