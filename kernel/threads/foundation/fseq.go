package foundation

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Fseq layout. The consumer owns the sequence word and the diagnostic block;
// producers and monitors only read them.
const (
	FSEQ_ALIGN     = uint64(128)
	FSEQ_FOOTPRINT = uint64(128)
	FSEQ_MAGIC     = uint64(0x4653455100000001)
	FSEQ_DIAG_CNT  = 8

	OFFSET_FSEQ_MAGIC = 0x00
	OFFSET_FSEQ_SEQ0  = 0x08
	OFFSET_FSEQ_SEQ   = 0x10
	OFFSET_FSEQ_DIAG  = 0x40
)

// Fseq diagnostic slots.
const (
	FSEQ_DIAG_PUB_CNT = iota
	FSEQ_DIAG_PUB_SZ
	FSEQ_DIAG_FILT_CNT
	FSEQ_DIAG_FILT_SZ
	FSEQ_DIAG_OVRNP_CNT
	FSEQ_DIAG_OVRNR_CNT
	FSEQ_DIAG_SLOW_CNT
)

var fseqDiagNames = [FSEQ_DIAG_CNT]string{
	"pub_cnt", "pub_sz", "filt_cnt", "filt_sz", "ovrnp_cnt", "ovrnr_cnt", "slow_cnt", "",
}

// FseqDiagName returns the short name of a diagnostic slot.
func FseqDiagName(slot int) string {
	if slot < 0 || slot >= FSEQ_DIAG_CNT {
		return ""
	}
	return fseqDiagNames[slot]
}

// Fseq is a consumer's published progress on one input link: the lowest
// sequence number it has not yet consumed. Producers turn it into credits.
type Fseq struct {
	mem []byte
}

// NewFseq formats mem with initial progress seq0.
func NewFseq(mem []byte, seq0 uint64) (*Fseq, error) {
	if uint64(len(mem)) < FSEQ_FOOTPRINT {
		return nil, fmt.Errorf("fseq needs %d bytes: %w", FSEQ_FOOTPRINT, ErrBadGeometry)
	}
	clear(mem[:FSEQ_FOOTPRINT])
	binary.LittleEndian.PutUint64(mem[OFFSET_FSEQ_SEQ0:], seq0)
	f := &Fseq{mem: mem}
	f.Update(seq0)
	atomic.StoreUint64(sab.Word(mem, OFFSET_FSEQ_MAGIC), FSEQ_MAGIC)
	return f, nil
}

// JoinFseq joins an fseq formatted by NewFseq.
func JoinFseq(mem []byte) (*Fseq, error) {
	if uint64(len(mem)) < FSEQ_FOOTPRINT {
		return nil, fmt.Errorf("fseq: %w", ErrBadGeometry)
	}
	if atomic.LoadUint64(sab.Word(mem, OFFSET_FSEQ_MAGIC)) != FSEQ_MAGIC {
		return nil, fmt.Errorf("fseq: %w", ErrBadMagic)
	}
	return &Fseq{mem: mem}, nil
}

func (f *Fseq) Seq0() uint64 { return binary.LittleEndian.Uint64(f.mem[OFFSET_FSEQ_SEQ0:]) }

// Query loads the consumer's progress.
func (f *Fseq) Query() uint64 { return atomic.LoadUint64(sab.Word(f.mem, OFFSET_FSEQ_SEQ)) }

// Update publishes the consumer's progress.
func (f *Fseq) Update(seq uint64) { atomic.StoreUint64(sab.Word(f.mem, OFFSET_FSEQ_SEQ), seq) }

func (f *Fseq) diag(slot int) *uint64 {
	return sab.Word(f.mem, OFFSET_FSEQ_DIAG+uint64(slot)*8)
}

// DiagQuery loads one diagnostic slot.
func (f *Fseq) DiagQuery(slot int) uint64 { return atomic.LoadUint64(f.diag(slot)) }

// DiagAdd merges v into a diagnostic slot.
func (f *Fseq) DiagAdd(slot int, v uint64) {
	if v != 0 {
		atomic.AddUint64(f.diag(slot), v)
	}
}

// DiagSet overwrites a diagnostic slot.
func (f *Fseq) DiagSet(slot int, v uint64) { atomic.StoreUint64(f.diag(slot), v) }

// DiagSnapshot loads every diagnostic slot.
func (f *Fseq) DiagSnapshot() [FSEQ_DIAG_CNT]uint64 {
	var out [FSEQ_DIAG_CNT]uint64
	for i := range out {
		out[i] = f.DiagQuery(i)
	}
	return out
}
