package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
	"github.com/nmxmxh/inos_tiles/kernel/threads/testutil"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
)

type emitStage struct {
	supervisor.NopStage
	n, sent uint64
}

func (s *emitStage) AfterCredit(l *supervisor.Loop) {
	if s.sent >= s.n {
		return
	}
	if _, err := l.Out().Publish(s.sent+1, frame(int(s.sent)), singleFrag, 0, 0); err == nil {
		s.sent++
	}
}

type countStage struct {
	supervisor.NopStage
	got *atomic.Uint64
}

func (s countStage) AfterFrag(*supervisor.Loop, int, foundation.FragMeta) bool {
	s.got.Add(1)
	return false
}

func constructed(t *testing.T, b *testutil.PipelineBuilder) (*topology.Topology, sab.Backend) {
	t.Helper()
	topo := b.Build()
	backend := sab.NewMemoryBackend()
	ctl, err := topology.Construct(topo, backend, topology.TileMem{})
	require.NoError(t, err)
	require.NoError(t, ctl.Close())
	return topo, backend
}

func TestRunnerPipelineAndHalt(t *testing.T) {
	const frames = 200
	topo, backend := constructed(t, testutil.NewPipelineBuilder("runner"))

	var got atomic.Uint64
	build := func(j *topology.Joint, cfg supervisor.LoopConfig) (*supervisor.Loop, error) {
		var stage supervisor.Stage
		switch j.Tile.Kind {
		case topology.TileSource:
			stage = &emitStage{n: frames}
		case topology.TileVerify:
			stage = &recorder{forward: true}
		default:
			stage = countStage{got: &got}
		}
		return supervisor.NewLoop(j, stage, cfg)
	}
	r, err := supervisor.NewRunner(topo, backend, topology.TileMem{}, build, supervisor.RunnerConfig{Logger: quietLogger()})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return got.Load() == frames }, 10*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not halt")
	}

	mon, err := topology.AttachAll(topo, backend, sab.JoinReadOnly, topology.TileMem{})
	require.NoError(t, err)
	defer mon.Close()
	for _, tile := range topo.Tiles {
		assert.Equal(t, foundation.CNC_SIGNAL_BOOT, mon.Cnc[tile.ID].SignalQuery(), tile.Name())
	}
	sink := topo.FindTile(topology.TileSink, 0)
	assert.EqualValues(t, frames, mon.Metrics[sink.ID].In(0, foundation.METRICS_IN_CONSUMED_CNT))
}

func TestRunnerGivesUpAfterRepeatedFailures(t *testing.T) {
	topo, backend := constructed(t, testutil.NewPipelineBuilder("flaky"))

	var builds atomic.Int32
	boom := errors.New("boom")
	build := func(*topology.Joint, supervisor.LoopConfig) (*supervisor.Loop, error) {
		builds.Add(1)
		return nil, boom
	}
	r, err := supervisor.NewRunner(topo, backend, topology.TileMem{}, build, supervisor.RunnerConfig{
		Clock:       clock.New(),
		Logger:      quietLogger(),
		MaxFailures: 2,
		Backoff:     time.Millisecond,
	})
	require.NoError(t, err)
	defer r.Close()

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2*len(topo.Tiles), builds.Load())
}

func TestRunnerResetsFailedTile(t *testing.T) {
	topo, backend := constructed(t, testutil.NewPipelineBuilder("reset"))
	ctl, err := topology.AttachAll(topo, backend, sab.JoinReadWrite, topology.TileMem{})
	require.NoError(t, err)
	defer ctl.Close()
	for _, tile := range topo.Tiles {
		ctl.Cnc[tile.ID].Signal(foundation.CNC_SIGNAL_FAIL)
	}

	var started atomic.Int32
	build := func(j *topology.Joint, cfg supervisor.LoopConfig) (*supervisor.Loop, error) {
		started.Add(1)
		return supervisor.NewLoop(j, supervisor.NopStage{}, cfg)
	}
	r, err := supervisor.NewRunner(topo, backend, topology.TileMem{}, build, supervisor.RunnerConfig{Logger: quietLogger()})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool {
		for _, tile := range topo.Tiles {
			if ctl.Cnc[tile.ID].SignalQuery() != foundation.CNC_SIGNAL_RUN {
				return false
			}
		}
		return true
	}, 10*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, len(topo.Tiles), started.Load())
}
