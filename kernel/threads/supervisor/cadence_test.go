package supervisor_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
	"github.com/nmxmxh/inos_tiles/kernel/threads/testutil"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
)

func TestCadenceFirstHousekeepingIsImmediate(t *testing.T) {
	clk := clock.NewMock()
	c, err := supervisor.NewCadence(clk, 1000, 1, 1, 0)
	require.NoError(t, err)
	assert.True(t, c.Due(clk.Now()))
	assert.Equal(t, 512*time.Nanosecond, c.Min())
	assert.Equal(t, 1023*time.Nanosecond, c.Max())
}

func TestCadenceRejectsImpossibleInterval(t *testing.T) {
	_, err := supervisor.NewCadence(clock.NewMock(), 0, 1, 1, 0)
	assert.Error(t, err)
	_, err = supervisor.NewCadence(clock.NewMock(), 4, 8, 1, 0)
	assert.Error(t, err)
}

// Gaps between housekeepings stay inside [min, max] however the loop
// samples time, and housekeeping never fires on consecutive samples.
func TestCadenceBound(t *testing.T) {
	clk := clock.NewMock()
	c, err := supervisor.NewCadence(clk, 1000, 1, 42, 3)
	require.NoError(t, err)

	const step = 7 * time.Nanosecond
	now := clk.Now()
	last := now
	c.Reload(now)
	for i := 0; i < 2000; i++ {
		samples := 0
		for !c.Due(now) {
			now = now.Add(step)
			samples++
		}
		gap := now.Sub(last)
		require.GreaterOrEqual(t, gap, c.Min())
		require.LessOrEqual(t, gap, c.Max()+step)
		require.Greater(t, samples, 1)
		last = now
		c.Reload(now)
	}
}

func TestCadenceSeedReplays(t *testing.T) {
	schedule := func(seed, tile uint64) []time.Time {
		clk := clock.NewMock()
		c, err := supervisor.NewCadence(clk, 1<<20, 4, seed, tile)
		require.NoError(t, err)
		var out []time.Time
		now := clk.Now()
		for i := 0; i < 32; i++ {
			c.Reload(now)
			now = c.Next()
			out = append(out, now)
		}
		return out
	}
	assert.Equal(t, schedule(7, 1), schedule(7, 1))
	assert.NotEqual(t, schedule(7, 1), schedule(7, 2))
}

// A running loop driven by a mock clock housekeeps within the envelope.
func TestLoopHousekeepingCadence(t *testing.T) {
	f := newFixture(t, testutil.NewPipelineBuilder("cad").
		WithParams(topology.TileVerify, topology.TileParams{Lazy: 1000, Seed: 5}))
	rec := &recorder{}
	l := f.loop(t, f.tile(topology.TileVerify, 0), rec)

	const step = 100 * time.Nanosecond
	for i := 0; i < 200; i++ {
		require.NoError(t, l.Tick())
		f.clk.Add(step)
	}
	require.Greater(t, len(rec.hkTimes), 10)
	for i := 1; i < len(rec.hkTimes); i++ {
		gap := time.Duration(rec.hkTimes[i] - rec.hkTimes[i-1])
		assert.GreaterOrEqual(t, gap, l.Cadence().Min())
		assert.LessOrEqual(t, gap, l.Cadence().Max()+step)
	}
}
