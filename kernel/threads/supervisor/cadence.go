package supervisor

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
)

// Cadence decides when a tile housekeeps. Intervals are drawn from
// [min, 2*min) with a per-tile seeded generator, so tiles started together
// drift apart and a fixed seed replays the same schedule.
type Cadence struct {
	clock clock.Clock
	rng   *rand.Rand
	min   uint64
	next  time.Time
	last  time.Time
}

// NewCadence builds a cadence that fits eventCnt housekeeping events into lazy
// ns. The first housekeeping is due immediately.
func NewCadence(clk clock.Clock, lazy int64, eventCnt, seed, tileID uint64) (*Cadence, error) {
	asyncMin := foundation.AsyncMin(lazy, eventCnt, 1)
	if asyncMin == 0 {
		return nil, fmt.Errorf("cadence: lazy %dns with %d events has no valid interval", lazy, eventCnt)
	}
	now := clk.Now()
	return &Cadence{
		clock: clk,
		rng:   foundation.NewTileRng(seed, tileID),
		min:   asyncMin,
		next:  now,
		last:  now,
	}, nil
}

// Now samples the cadence clock.
func (c *Cadence) Now() time.Time { return c.clock.Now() }

// Due reports whether housekeeping should run at now.
func (c *Cadence) Due(now time.Time) bool { return !now.Before(c.next) }

// Reload schedules the next housekeeping after one at now.
func (c *Cadence) Reload(now time.Time) {
	c.last = now
	c.next = now.Add(time.Duration(foundation.AsyncReload(c.rng, c.min)))
}

// Min and Max bound the interval between two housekeepings.
func (c *Cadence) Min() time.Duration { return time.Duration(c.min) }
func (c *Cadence) Max() time.Duration { return time.Duration(2*c.min - 1) }

// Next is when the next housekeeping is due.
func (c *Cadence) Next() time.Time { return c.next }
