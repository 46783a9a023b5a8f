package supervisor_test

import (
	"io"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
	"github.com/nmxmxh/inos_tiles/kernel/threads/testutil"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

func quietLogger() *utils.Logger {
	return utils.NewLogger(utils.LoggerConfig{Level: utils.FATAL, Output: io.Discard})
}

// fixture is a constructed pipeline in an in-memory backend with a creator
// joint standing in for the other tiles.
type fixture struct {
	topo    *topology.Topology
	backend *sab.MemoryBackend
	ctl     *topology.Joint
	clk     *clock.Mock
}

func newFixture(t *testing.T, b *testutil.PipelineBuilder) *fixture {
	t.Helper()
	topo := b.Build()
	backend := sab.NewMemoryBackend()
	ctl, err := topology.Construct(topo, backend, topology.TileMem{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.Close() })
	return &fixture{topo: topo, backend: backend, ctl: ctl, clk: clock.NewMock()}
}

func (f *fixture) tile(kind topology.TileKind, id int) *topology.Tile {
	return f.topo.FindTile(kind, id)
}

// loop attaches a tile, builds its loop and moves it to RUN.
func (f *fixture) loop(t *testing.T, tile *topology.Tile, stage supervisor.Stage) *supervisor.Loop {
	t.Helper()
	j, err := topology.Attach(f.topo, tile, f.backend, topology.TileMem{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	l, err := supervisor.NewLoop(j, stage, supervisor.LoopConfig{Clock: f.clk, Logger: quietLogger()})
	require.NoError(t, err)
	j.Cnc[tile.ID].Signal(foundation.CNC_SIGNAL_RUN)
	return l
}

// producer publishes on a link from outside any loop, with unlimited credit.
func (f *fixture) producer(name string, id int) *supervisor.Publisher {
	link := f.topo.FindLink(name, id)
	p := supervisor.NewPublisher(f.ctl.Mcache[link.ID], f.ctl.Dcache[link.ID])
	p.Grant(1 << 40)
	return p
}

// housekeep advances the clock past the longest interval and ticks once.
func (f *fixture) housekeep(t *testing.T, l *supervisor.Loop) {
	t.Helper()
	f.clk.Add(l.Cadence().Max() + 1)
	require.NoError(t, l.Tick())
}

func ticks(t *testing.T, l *supervisor.Loop, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Tick())
	}
}

// recorder keeps every frame a loop hands it and optionally forwards it.
type recorder struct {
	supervisor.NopStage
	forward  bool
	buf      []byte
	seqs     []uint64
	payloads [][]byte
	hk       int
	hkTimes  []int64
	during   func(meta foundation.FragMeta)
	skip     func(sig uint64) bool
	pubErr   error
}

func (r *recorder) DuringHousekeeping(l *supervisor.Loop) {
	r.hk++
	r.hkTimes = append(r.hkTimes, l.Now().UnixNano())
}

func (r *recorder) BeforeFrag(in int, seq, sig uint64) bool {
	return r.skip != nil && r.skip(sig)
}

func (r *recorder) DuringFrag(in int, meta foundation.FragMeta, payload []byte) {
	r.buf = append(r.buf[:0], payload...)
	if r.during != nil {
		r.during(meta)
	}
}

func (r *recorder) AfterFrag(l *supervisor.Loop, in int, meta foundation.FragMeta) bool {
	r.seqs = append(r.seqs, meta.Seq)
	r.payloads = append(r.payloads, append([]byte(nil), r.buf...))
	if r.forward {
		if _, err := l.Out().Publish(meta.Sig, r.buf, meta.Ctl, meta.TsOrig, 0); err != nil && r.pubErr == nil {
			r.pubErr = err
		}
	}
	return false
}

func frame(i int) []byte {
	return []byte{byte(i), byte(i >> 8), 0xab}
}

var singleFrag = foundation.CtlPack(0, true, true, false)
