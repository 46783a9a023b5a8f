package foundation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMcache(t *testing.T, depth, seq0 uint64) *Mcache {
	t.Helper()
	mem := make([]byte, McacheFootprint(depth))
	m, err := NewMcache(mem, depth, seq0)
	require.NoError(t, err)
	return m
}

func TestMcacheFootprint(t *testing.T) {
	assert.Zero(t, McacheFootprint(0))
	assert.Zero(t, McacheFootprint(12))
	assert.Equal(t, uint64(256+16*32), McacheFootprint(16))
	assert.True(t, McacheFootprint(4)%MCACHE_ALIGN == 0)
}

func TestMcacheFreshLinesAreNotReady(t *testing.T) {
	m := newMcache(t, 8, 100)
	for s := uint64(100); s < 108; s++ {
		assert.Less(t, SeqDiff(m.LineSeq(s), s), int64(0), "seq %d", s)
	}
	assert.Equal(t, uint64(100), m.SeqQuery())
}

func TestMcacheJoin(t *testing.T) {
	mem := make([]byte, McacheFootprint(16))
	_, err := JoinMcache(mem)
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = NewMcache(mem, 16, 0)
	require.NoError(t, err)
	m, err := JoinMcache(mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), m.Depth())

	_, err = JoinMcache(mem[:300])
	assert.ErrorIs(t, err, ErrBadGeometry)
}

func TestMcachePublishQuery(t *testing.T) {
	m := newMcache(t, 4, 0)
	m.Publish(0, 0xabc, 77, 100, CtlPack(1, true, true, false), 10, 11)

	meta := m.Query(0)
	assert.Equal(t, FragMeta{Seq: 0, Sig: 0xabc, Chunk: 77, Sz: 100, Ctl: CtlPack(1, true, true, false), TsOrig: 10, TsPub: 11}, meta)
	assert.Equal(t, uint64(0), m.LineSeq(4))
}

// A consumer reading a ring the producer has lapped sees the newest sequence
// in its slot and resynchronizes exactly once.
func TestMcacheLappedConsumerResyncs(t *testing.T) {
	const depth = 16
	m := newMcache(t, depth, 0)
	for s := uint64(0); s < 20; s++ {
		m.Publish(s, s, 0, 1, 0, 0, 0)
	}

	expect := uint64(0)
	overruns := 0
	var got []uint64
	for {
		found := m.LineSeq(expect)
		diff := SeqDiff(found, expect)
		if diff < 0 {
			break
		}
		if diff > 0 {
			overruns++
			expect = found
		}
		got = append(got, m.Query(expect).Sig)
		expect++
	}
	assert.Equal(t, 1, overruns)
	assert.Equal(t, []uint64{16, 17, 18, 19}, got)
}

// Sequences a consumer observes never go backwards while a producer publishes
// concurrently.
func TestMcacheConcurrentMonotonic(t *testing.T) {
	const depth, total = 64, 20000
	m := newMcache(t, depth, 0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for s := uint64(0); s < total; s++ {
			m.Publish(s, s*3, uint32(s), 0, 0, 0, 0)
		}
	}()

	var last uint64
	var seen uint64
	expect := uint64(0)
	for expect < total {
		found := m.LineSeq(expect)
		diff := SeqDiff(found, expect)
		if diff < 0 {
			continue
		}
		if diff > 0 {
			expect = found
			continue
		}
		meta := m.Query(expect)
		if m.LineSeq(expect) != expect {
			continue
		}
		if meta.Seq == expect {
			require.Equal(t, expect*3, meta.Sig)
			if seen > 0 {
				require.Greater(t, expect, last)
			}
			last = expect
			seen++
		}
		expect++
	}
	wg.Wait()
	assert.NotZero(t, seen)
}
