package foundation

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// Cnc layout: header, signal on its own cache line, then the application
// diagnostic block.
const (
	CNC_ALIGN  = uint64(128)
	CNC_MAGIC  = uint64(0x434e430000000001)
	CNC_APP_SZ = uint64(64)

	OFFSET_CNC_MAGIC      = 0x00
	OFFSET_CNC_APP_SZ     = 0x08
	OFFSET_CNC_TYPE       = 0x10
	OFFSET_CNC_HEARTBEAT0 = 0x18
	OFFSET_CNC_HEARTBEAT  = 0x20
	OFFSET_CNC_SIGNAL     = 0x40
	OFFSET_CNC_APP        = 0x80
)

// Command signals.
const (
	CNC_SIGNAL_RUN  = uint64(0)
	CNC_SIGNAL_BOOT = uint64(1)
	CNC_SIGNAL_FAIL = uint64(2)
	CNC_SIGNAL_HALT = uint64(3)
)

// Cnc diagnostic slots in the application block.
const (
	CNC_DIAG_IN_BACKP = iota
	CNC_DIAG_BACKP_CNT
	CNC_DIAG_HA_FILT_CNT
	CNC_DIAG_HA_FILT_SZ
	CNC_DIAG_SV_FILT_CNT
	CNC_DIAG_SV_FILT_SZ
	CNC_DIAG_CNT
)

var cncDiagNames = [CNC_DIAG_CNT]string{
	"in_backp", "backp_cnt", "ha_filt_cnt", "ha_filt_sz", "sv_filt_cnt", "sv_filt_sz",
}

// CncDiagName returns the short name of a diagnostic slot.
func CncDiagName(slot int) string {
	if slot < 0 || slot >= CNC_DIAG_CNT {
		return ""
	}
	return cncDiagNames[slot]
}

// SignalName renders a signal for logs.
func SignalName(s uint64) string {
	switch s {
	case CNC_SIGNAL_RUN:
		return "run"
	case CNC_SIGNAL_BOOT:
		return "boot"
	case CNC_SIGNAL_FAIL:
		return "fail"
	case CNC_SIGNAL_HALT:
		return "halt"
	default:
		return strconv.FormatUint(s, 10)
	}
}

// CncFootprint is the byte size of a cnc with appSz diagnostic bytes.
func CncFootprint(appSz uint64) uint64 {
	return sab.AlignUp(OFFSET_CNC_APP+sab.AlignUp(appSz, 8), CNC_ALIGN)
}

// Cnc is a tile's command-and-control register: the signal a supervisor uses
// to drive it, its heartbeat, and counters it merges in at housekeeping.
type Cnc struct {
	mem   []byte
	appSz uint64
}

// NewCnc formats mem. The tile starts in BOOT with its heartbeat at now.
func NewCnc(mem []byte, appSz, typ uint64, now int64) (*Cnc, error) {
	appSz = sab.AlignUp(appSz, 8)
	fp := CncFootprint(appSz)
	if uint64(len(mem)) < fp {
		return nil, fmt.Errorf("cnc needs %d bytes: %w", fp, ErrBadGeometry)
	}
	clear(mem[:fp])
	binary.LittleEndian.PutUint64(mem[OFFSET_CNC_APP_SZ:], appSz)
	binary.LittleEndian.PutUint64(mem[OFFSET_CNC_TYPE:], typ)
	binary.LittleEndian.PutUint64(mem[OFFSET_CNC_HEARTBEAT0:], uint64(now))
	c := &Cnc{mem: mem, appSz: appSz}
	c.Heartbeat(now)
	c.Signal(CNC_SIGNAL_BOOT)
	atomic.StoreUint64(sab.Word(mem, OFFSET_CNC_MAGIC), CNC_MAGIC)
	return c, nil
}

// JoinCnc joins a cnc formatted by NewCnc.
func JoinCnc(mem []byte) (*Cnc, error) {
	if uint64(len(mem)) < OFFSET_CNC_APP {
		return nil, fmt.Errorf("cnc: %w", ErrBadGeometry)
	}
	if atomic.LoadUint64(sab.Word(mem, OFFSET_CNC_MAGIC)) != CNC_MAGIC {
		return nil, fmt.Errorf("cnc: %w", ErrBadMagic)
	}
	appSz := binary.LittleEndian.Uint64(mem[OFFSET_CNC_APP_SZ:])
	if CncFootprint(appSz) > uint64(len(mem)) {
		return nil, fmt.Errorf("cnc app_sz %d: %w", appSz, ErrBadGeometry)
	}
	return &Cnc{mem: mem, appSz: appSz}, nil
}

func (c *Cnc) Type() uint64 { return binary.LittleEndian.Uint64(c.mem[OFFSET_CNC_TYPE:]) }

// Heartbeat0 is the heartbeat at format time.
func (c *Cnc) Heartbeat0() int64 { return int64(binary.LittleEndian.Uint64(c.mem[OFFSET_CNC_HEARTBEAT0:])) }

// Signal stores s.
func (c *Cnc) Signal(s uint64) { atomic.StoreUint64(sab.Word(c.mem, OFFSET_CNC_SIGNAL), s) }

// SignalQuery loads the current signal.
func (c *Cnc) SignalQuery() uint64 { return atomic.LoadUint64(sab.Word(c.mem, OFFSET_CNC_SIGNAL)) }

// SignalCAS moves the signal from old to s if it still holds old.
func (c *Cnc) SignalCAS(old, s uint64) bool {
	return atomic.CompareAndSwapUint64(sab.Word(c.mem, OFFSET_CNC_SIGNAL), old, s)
}

// Heartbeat records that the tile was alive at now.
func (c *Cnc) Heartbeat(now int64) {
	atomic.StoreUint64(sab.Word(c.mem, OFFSET_CNC_HEARTBEAT), uint64(now))
}

// HeartbeatQuery loads the last heartbeat.
func (c *Cnc) HeartbeatQuery() int64 {
	return int64(atomic.LoadUint64(sab.Word(c.mem, OFFSET_CNC_HEARTBEAT)))
}

// DiagCnt is the number of 8-byte diagnostic slots.
func (c *Cnc) DiagCnt() int { return int(c.appSz / 8) }

func (c *Cnc) diag(slot int) *uint64 {
	if slot < 0 || slot >= c.DiagCnt() {
		panic(fmt.Sprintf("cnc: diag slot %d out of range", slot))
	}
	return sab.Word(c.mem, OFFSET_CNC_APP+uint64(slot)*8)
}

// DiagQuery loads one slot.
func (c *Cnc) DiagQuery(slot int) uint64 { return atomic.LoadUint64(c.diag(slot)) }

// DiagAdd merges v into a slot. Counters are only ever added to so concurrent
// readers see monotonically increasing values.
func (c *Cnc) DiagAdd(slot int, v uint64) {
	if v != 0 {
		atomic.AddUint64(c.diag(slot), v)
	}
}

// DiagSet overwrites a slot. Used for flags such as IN_BACKP.
func (c *Cnc) DiagSet(slot int, v uint64) { atomic.StoreUint64(c.diag(slot), v) }
