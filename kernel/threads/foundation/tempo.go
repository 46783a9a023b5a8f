package foundation

import (
	"math"
	"math/rand/v2"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
)

// LazyDefault is the housekeeping interval in ns for a producer holding up to
// crMax credits. Consumers must return credits at least this often, which
// bounds how long a producer can sit blocked on a stale view.
func LazyDefault(crMax uint64) int64 {
	if crMax > (math.MaxInt64-1)/9*4 {
		return math.MaxInt64
	}
	return int64(1 + (9*crMax)/4)
}

// AsyncMin is the minimum housekeeping interval in ticks so that eventCnt
// housekeeping events all happen within lazy ns. It is a power of two so
// reload jitter is a mask. Returns 0 when no valid interval exists.
func AsyncMin(lazy int64, eventCnt uint64, tickPerNs float64) uint64 {
	if lazy <= 0 || eventCnt == 0 || !(tickPerNs > 0) {
		return 0
	}
	target := tickPerNs * float64(lazy)
	if !(target >= 1) || target >= math.MaxUint64/2 {
		return 0
	}
	return sab.Pow2Down(uint64(target) / eventCnt)
}

// AsyncReload draws the next housekeeping interval in [asyncMin, 2*asyncMin).
// Jitter keeps tiles started together from housekeeping in lockstep.
func AsyncReload(rng *rand.Rand, asyncMin uint64) uint64 {
	if asyncMin == 0 {
		return 0
	}
	return asyncMin + (rng.Uint64() & (asyncMin - 1))
}

// NewTileRng returns the deterministic generator a tile seeds its cadence with.
func NewTileRng(seed uint64, tileID uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, tileID))
}
