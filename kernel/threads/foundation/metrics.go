package foundation

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Metrics block layout: header, tile counters, a row of counters per input
// link and one slow counter per reliable consumer of the tile's outputs.
const (
	METRICS_ALIGN = uint64(128)
	METRICS_MAGIC = uint64(0x4d45545200000001)

	OFFSET_METRICS_MAGIC   = 0x00
	OFFSET_METRICS_IN_CNT  = 0x08
	OFFSET_METRICS_OUT_CNT = 0x10
	OFFSET_METRICS_TILE    = 0x40
)

// Tile counters.
const (
	METRICS_TILE_HOUSEKEEPING_CNT = iota
	METRICS_TILE_BACKP_CNT
	METRICS_TILE_IN_BACKP
	METRICS_TILE_PUB_CNT
	METRICS_TILE_PUB_SZ
	METRICS_TILE_CR_AVAIL
	METRICS_TILE_HEARTBEAT
	METRICS_TILE_CNT
)

// Per input link counters.
const (
	METRICS_IN_CONSUMED_CNT = iota
	METRICS_IN_CONSUMED_SZ
	METRICS_IN_FILT_CNT
	METRICS_IN_FILT_SZ
	METRICS_IN_OVRNP_CNT
	METRICS_IN_OVRNR_CNT
	METRICS_IN_CNT
)

var (
	metricsTileNames = [METRICS_TILE_CNT]string{
		"housekeeping_cnt", "backp_cnt", "in_backp", "pub_cnt", "pub_sz", "cr_avail", "heartbeat",
	}
	metricsInNames = [METRICS_IN_CNT]string{
		"consumed_cnt", "consumed_sz", "filt_cnt", "filt_sz", "ovrnp_cnt", "ovrnr_cnt",
	}
)

func MetricsTileName(i int) string { return metricsTileNames[i] }
func MetricsInName(i int) string { return metricsInNames[i] }

// MetricsFootprint is the byte size of a block for a tile with inCnt inputs
// and outCnt reliable downstream consumers.
func MetricsFootprint(inCnt, outCnt uint64) uint64 {
	words := uint64(METRICS_TILE_CNT) + inCnt*METRICS_IN_CNT + outCnt
	return sab.AlignUp(OFFSET_METRICS_TILE+8*words, METRICS_ALIGN)
}

// Metrics is a tile's counter block. The tile writes it at housekeeping;
// monitors read it at any time.
type Metrics struct {
	mem    []byte
	inCnt  uint64
	outCnt uint64
}

// NewMetrics formats mem.
func NewMetrics(mem []byte, inCnt, outCnt uint64) (*Metrics, error) {
	fp := MetricsFootprint(inCnt, outCnt)
	if uint64(len(mem)) < fp {
		return nil, fmt.Errorf("metrics needs %d bytes: %w", fp, ErrBadGeometry)
	}
	clear(mem[:fp])
	binary.LittleEndian.PutUint64(mem[OFFSET_METRICS_IN_CNT:], inCnt)
	binary.LittleEndian.PutUint64(mem[OFFSET_METRICS_OUT_CNT:], outCnt)
	atomic.StoreUint64(sab.Word(mem, OFFSET_METRICS_MAGIC), METRICS_MAGIC)
	return &Metrics{mem: mem, inCnt: inCnt, outCnt: outCnt}, nil
}

// JoinMetrics joins a formatted block.
func JoinMetrics(mem []byte) (*Metrics, error) {
	if uint64(len(mem)) < OFFSET_METRICS_TILE {
		return nil, fmt.Errorf("metrics: %w", ErrBadGeometry)
	}
	if atomic.LoadUint64(sab.Word(mem, OFFSET_METRICS_MAGIC)) != METRICS_MAGIC {
		return nil, fmt.Errorf("metrics: %w", ErrBadMagic)
	}
	inCnt := binary.LittleEndian.Uint64(mem[OFFSET_METRICS_IN_CNT:])
	outCnt := binary.LittleEndian.Uint64(mem[OFFSET_METRICS_OUT_CNT:])
	if MetricsFootprint(inCnt, outCnt) > uint64(len(mem)) {
		return nil, fmt.Errorf("metrics in %d out %d: %w", inCnt, outCnt, ErrBadGeometry)
	}
	return &Metrics{mem: mem, inCnt: inCnt, outCnt: outCnt}, nil
}

func (m *Metrics) InCnt() int { return int(m.inCnt) }
func (m *Metrics) OutCnt() int { return int(m.outCnt) }

func (m *Metrics) word(i uint64) *uint64 {
	return sab.Word(m.mem, OFFSET_METRICS_TILE+8*i)
}

func (m *Metrics) inWord(in, c int) *uint64 {
	if in < 0 || uint64(in) >= m.inCnt {
		panic(fmt.Sprintf("metrics: input %d out of range", in))
	}
	return m.word(METRICS_TILE_CNT + uint64(in)*METRICS_IN_CNT + uint64(c))
}

func (m *Metrics) outWord(out int) *uint64 {
	if out < 0 || uint64(out) >= m.outCnt {
		panic(fmt.Sprintf("metrics: output consumer %d out of range", out))
	}
	return m.word(METRICS_TILE_CNT + m.inCnt*METRICS_IN_CNT + uint64(out))
}

func (m *Metrics) Tile(c int) uint64 { return atomic.LoadUint64(m.word(uint64(c))) }
func (m *Metrics) SetTile(c int, v uint64) { atomic.StoreUint64(m.word(uint64(c)), v) }
func (m *Metrics) AddTile(c int, v uint64) { atomic.AddUint64(m.word(uint64(c)), v) }
func (m *Metrics) In(in, c int) uint64 { return atomic.LoadUint64(m.inWord(in, c)) }
func (m *Metrics) AddIn(in, c int, v uint64) { atomic.AddUint64(m.inWord(in, c), v) }
func (m *Metrics) Out(out int) uint64 { return atomic.LoadUint64(m.outWord(out)) }
func (m *Metrics) SetOut(out int, v uint64) { atomic.StoreUint64(m.outWord(out), v) }
