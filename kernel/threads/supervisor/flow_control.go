package supervisor

import "github.com/nmxmxh/inos_tiles/kernel/threads/foundation"

// Backpressure tracks whether a producer is blocked on credits. Entering
// raises the sticky IN_BACKP flag and counts one event. The flag drops only
// once housekeeping finds credits again.
type Backpressure struct {
	cnc     *foundation.Cnc
	active  bool
	entries uint64
}

// NewBackpressure starts in the blocked state: a producer holds no credits
// until its first housekeeping computes them.
func NewBackpressure(cnc *foundation.Cnc) *Backpressure {
	b := &Backpressure{cnc: cnc, active: true}
	if cnc != nil {
		cnc.DiagSet(foundation.CNC_DIAG_IN_BACKP, 1)
	}
	return b
}

// Enter marks the producer blocked. Only the first call of an episode counts.
func (b *Backpressure) Enter() {
	if b.active {
		return
	}
	b.active = true
	b.entries++
	if b.cnc != nil {
		b.cnc.DiagSet(foundation.CNC_DIAG_IN_BACKP, 1)
	}
}

// Clear ends an episode once crAvail is non-zero.
func (b *Backpressure) Clear(crAvail uint64) {
	if !b.active || crAvail == 0 {
		return
	}
	b.active = false
	if b.cnc != nil {
		b.cnc.DiagSet(foundation.CNC_DIAG_IN_BACKP, 0)
	}
}

// Active reports whether the producer is blocked.
func (b *Backpressure) Active() bool { return b.active }

// TakeEntries returns the episodes started since the last call.
func (b *Backpressure) TakeEntries() uint64 {
	n := b.entries
	b.entries = 0
	return n
}
