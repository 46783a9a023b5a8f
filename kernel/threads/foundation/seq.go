package foundation

// Sequence numbers are unsigned 64-bit counters that wrap. Ordering is defined
// by the two's complement difference, so comparisons stay correct across the
// wrap as long as the compared values are within 2^63 of each other.

// SeqDiff returns a-b as a signed distance.
func SeqDiff(a, b uint64) int64 { return int64(a - b) }

// SeqInc returns a+d with wraparound.
func SeqInc(a, d uint64) uint64 { return a + d }

// SeqDec returns a-d with wraparound.
func SeqDec(a, d uint64) uint64 { return a - d }

func SeqLt(a, b uint64) bool { return SeqDiff(a, b) < 0 }
func SeqLe(a, b uint64) bool { return SeqDiff(a, b) <= 0 }
func SeqGt(a, b uint64) bool { return SeqDiff(a, b) > 0 }
func SeqGe(a, b uint64) bool { return SeqDiff(a, b) >= 0 }
func SeqEq(a, b uint64) bool { return a == b }
func SeqNe(a, b uint64) bool { return a != b }
