package foundation

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFseq(t *testing.T, seq0 uint64) *Fseq {
	t.Helper()
	f, err := NewFseq(make([]byte, FSEQ_FOOTPRINT), seq0)
	require.NoError(t, err)
	return f
}

func TestFctlDefaults(t *testing.T) {
	f := NewFctl(FctlConfig{})
	require.NoError(t, f.AddReceiver(16, newFseq(t, 0)))
	require.NoError(t, f.AddReceiver(32, newFseq(t, 0)))
	require.NoError(t, f.Done())

	cfg := f.Config()
	assert.Equal(t, uint64(1), cfg.CrBurst)
	assert.Equal(t, uint64(16), cfg.CrMax)
	assert.Equal(t, uint64(10), cfg.CrResume)
	assert.Equal(t, uint64(5), cfg.CrRefill)

	assert.Error(t, f.AddReceiver(8, newFseq(t, 0)))
}

func TestFctlRejectsBadConfig(t *testing.T) {
	assert.Error(t, NewFctl(FctlConfig{}).Done())
	assert.Error(t, NewFctl(FctlConfig{CrMax: 4, CrBurst: 8}).Done())
	assert.Error(t, NewFctl(FctlConfig{CrMax: 4, CrResume: 9}).Done())

	f := NewFctl(FctlConfig{CrBurst: 4})
	require.NoError(t, f.AddReceiver(2, newFseq(t, 0)))
	assert.Error(t, f.Done())
}

func TestFctlTracksSlowestReceiver(t *testing.T) {
	fast, slow := newFseq(t, 0), newFseq(t, 0)
	f := NewFctl(FctlConfig{})
	require.NoError(t, f.AddReceiver(16, fast))
	require.NoError(t, f.AddReceiver(16, slow))
	require.NoError(t, f.Done())

	assert.Equal(t, uint64(16), f.TxCrUpdate(0, 0))

	fast.Update(10)
	slow.Update(4)
	cr, idx := f.CrQuery(10)
	assert.Equal(t, uint64(10), cr)
	assert.Equal(t, 1, idx)

	// Blocked on the slow receiver: credits stay at zero until it catches up
	// past the resume level, and the slow receiver is blamed once.
	slow.Update(0)
	fast.Update(16)
	assert.Zero(t, f.TxCrUpdate(0, 16))
	assert.True(t, f.InRefill())
	assert.Equal(t, uint64(1), slow.DiagQuery(FSEQ_DIAG_SLOW_CNT))
	assert.Zero(t, fast.DiagQuery(FSEQ_DIAG_SLOW_CNT))

	slow.Update(4)
	assert.Zero(t, f.TxCrUpdate(0, 16), "below resume")
	slow.Update(12)
	assert.Equal(t, uint64(12), f.TxCrUpdate(0, 16))
	assert.False(t, f.InRefill())
}

func TestFctlKeepsCreditsAboveRefill(t *testing.T) {
	rx := newFseq(t, 0)
	f := NewFctl(FctlConfig{CrRefill: 4})
	require.NoError(t, f.AddReceiver(16, rx))
	require.NoError(t, f.Done())

	rx.Update(100)
	assert.Equal(t, uint64(7), f.TxCrUpdate(7, 9))
	assert.Equal(t, uint64(16), f.TxCrUpdate(3, 9))
}

// A producer that only publishes while holding credits never gets more than
// cr_max frames ahead of any reliable consumer.
func TestFctlCreditConservation(t *testing.T) {
	const depth = 16
	rng := rand.New(rand.NewPCG(1, 2))
	consumers := []*Fseq{newFseq(t, 0), newFseq(t, 0), newFseq(t, 0)}
	f := NewFctl(FctlConfig{})
	for _, c := range consumers {
		require.NoError(t, f.AddReceiver(depth, c))
	}
	require.NoError(t, f.Done())

	var txSeq, crAvail uint64
	published := uint64(0)
	for step := 0; step < 20000; step++ {
		switch rng.IntN(4) {
		case 0:
			crAvail = f.TxCrUpdate(crAvail, txSeq)
			require.LessOrEqual(t, crAvail, uint64(depth))
		case 1:
			c := consumers[rng.IntN(len(consumers))]
			if SeqLt(c.Query(), txSeq) {
				c.Update(c.Query() + 1)
			}
		default:
			if crAvail > 0 {
				txSeq++
				crAvail--
				published++
			}
		}
		for _, c := range consumers {
			require.LessOrEqual(t, SeqDiff(txSeq, c.Query()), int64(depth))
		}
	}
	assert.NotZero(t, published)
}
