package foundation

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTcache(t *testing.T, depth, mapCnt uint64) *Tcache {
	t.Helper()
	tc, err := NewTcache(make([]byte, TcacheFootprint(depth, mapCnt)), depth, mapCnt)
	require.NoError(t, err)
	return tc
}

func TestTcacheGeometry(t *testing.T) {
	assert.Zero(t, TcacheFootprint(16, 16))
	assert.Zero(t, TcacheFootprint(16, 48))
	assert.NotZero(t, TcacheFootprint(16, 64))
	assert.Equal(t, uint64(64), TcacheMapCntDefault(TCACHE_DEPTH_DEFAULT))
}

func TestTcacheFIFOEviction(t *testing.T) {
	tc := newTcache(t, 16, 64)

	for tag := uint64(1); tag <= 16; tag++ {
		assert.False(t, tc.Insert(tag))
	}
	for tag := uint64(1); tag <= 16; tag++ {
		assert.True(t, tc.Insert(tag), "tag %d", tag)
	}

	// The 17th distinct tag pushes out the first.
	assert.False(t, tc.Insert(17))
	assert.False(t, tc.Query(1))
	assert.True(t, tc.Query(2))
	assert.True(t, tc.Query(17))

	assert.False(t, tc.Insert(1))
	assert.False(t, tc.Query(2))
}

func TestTcacheNullTag(t *testing.T) {
	tc := newTcache(t, 4, 16)
	assert.False(t, tc.Insert(TCACHE_TAG_NULL))
	assert.False(t, tc.Insert(TCACHE_TAG_NULL))
	assert.False(t, tc.Query(TCACHE_TAG_NULL))
}

func TestTcacheMatchesModel(t *testing.T) {
	const depth = 16
	tc := newTcache(t, depth, 64)
	rng := rand.New(rand.NewPCG(7, 7))

	var fifo []uint64
	held := map[uint64]bool{}
	for i := 0; i < 50000; i++ {
		tag := rng.Uint64N(48) + 1
		dup := tc.Insert(tag)
		require.Equal(t, held[tag], dup, "step %d tag %d", i, tag)
		if dup {
			continue
		}
		if len(fifo) == depth {
			delete(held, fifo[0])
			fifo = fifo[1:]
		}
		fifo = append(fifo, tag)
		held[tag] = true
	}
}

func TestTcacheJoinRebuildsPrefilter(t *testing.T) {
	mem := make([]byte, TcacheFootprint(8, 32))
	tc, err := NewTcache(mem, 8, 32)
	require.NoError(t, err)
	for tag := uint64(100); tag < 108; tag++ {
		tc.Insert(tag)
	}

	joined, err := JoinTcache(mem)
	require.NoError(t, err)
	assert.True(t, joined.Insert(104))
	assert.False(t, joined.Query(99))

	joined.Reset()
	assert.False(t, joined.Query(104))
}
