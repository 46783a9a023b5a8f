package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

var (
	// ErrHalted is returned by Tick once the tile has observed HALT.
	ErrHalted = errors.New("tile halted")
	// ErrUnexpectedSignal reports a cnc signal other than RUN or HALT seen
	// by a running tile.
	ErrUnexpectedSignal = errors.New("unexpected cnc signal")
)

// Stage is the tile-kind specific part of a run loop. Callbacks run on the
// tile's own thread and must not block.
type Stage interface {
	// DuringHousekeeping runs once per housekeeping, before the signal check.
	DuringHousekeeping(l *Loop)
	// AfterCredit runs every iteration in which the tile holds credits,
	// before any input is polled. Producers without inputs publish here.
	AfterCredit(l *Loop)
	// BeforeFrag may filter a frame by its signature before the payload is
	// touched.
	BeforeFrag(in int, seq, sig uint64) (filter bool)
	// DuringFrag copies the payload out. The producer may overwrite it
	// concurrently, so nothing copied may be acted on yet.
	DuringFrag(in int, meta foundation.FragMeta, payload []byte)
	// AfterFrag processes a frame whose copy was confirmed intact. Returning
	// true counts it as filtered.
	AfterFrag(l *Loop, in int, meta foundation.FragMeta) (filter bool)
}

// NopStage implements every Stage callback as a no-op. Stages embed it and
// override what they need.
type NopStage struct{}

func (NopStage) DuringHousekeeping(*Loop) {}
func (NopStage) AfterCredit(*Loop) {}
func (NopStage) BeforeFrag(int, uint64, uint64) bool { return false }
func (NopStage) DuringFrag(int, foundation.FragMeta, []byte) {}
func (NopStage) AfterFrag(*Loop, int, foundation.FragMeta) bool { return false }

// LoopConfig carries the ambient dependencies of a run loop.
type LoopConfig struct {
	// Clock drives housekeeping. Defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to a logger named after the tile.
	Logger *utils.Logger
	// EventCnt is the number of housekeeping events that must fit in the
	// lazy interval. Defaults to 1.
	EventCnt uint64
}

type pollIn struct {
	idx    int
	depth  uint64
	mcache *foundation.Mcache
	dcache *foundation.Dcache
	fseq   *foundation.Fseq
	seq    uint64
	accum  [foundation.FSEQ_DIAG_CNT]uint64
}

// Loop is one tile's run loop over its joined handles.
type Loop struct {
	tile    *topology.Tile
	joint   *topology.Joint
	stage   Stage
	logger  *utils.Logger
	cadence *Cadence

	cnc     *foundation.Cnc
	metrics *foundation.Metrics
	diag    [foundation.CNC_DIAG_CNT]uint64

	ins    []pollIn
	inNext int

	pub  *Publisher
	fctl *foundation.Fctl
	bp   *Backpressure
	rx   []*foundation.Fseq

	now time.Time
}

// NewLoop builds the run loop of j.Tile. Every handle the tile needs must be
// joined; a missing one is a setup error.
func NewLoop(j *topology.Joint, stage Stage, cfg LoopConfig) (*Loop, error) {
	tile := j.Tile
	if tile == nil {
		return nil, fmt.Errorf("loop: joint is not bound to a tile")
	}
	name := tile.Name()
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("tile")
	}
	if cfg.EventCnt == 0 {
		cfg.EventCnt = 1
	}
	l := &Loop{
		tile:    tile,
		joint:   j,
		stage:   stage,
		logger:  cfg.Logger.Named("tile " + name),
		cnc:     j.Cnc[tile.ID],
		metrics: j.Metrics[tile.ID],
	}
	if l.cnc == nil || l.metrics == nil {
		return nil, fmt.Errorf("loop %s: cnc or metrics not joined", name)
	}

	crMax := uint64(0)
	for i, in := range tile.Ins {
		if !in.Polled {
			continue
		}
		link := j.Topo.Links[in.Link]
		mc, fs := j.Mcache[in.Link], j.InFseq[tile.ID][i]
		if mc == nil || fs == nil || (link.MTU > 0 && j.Dcache[in.Link] == nil) {
			return nil, fmt.Errorf("loop %s: input %s not joined", name, link.Ref())
		}
		l.ins = append(l.ins, pollIn{
			idx:    i,
			depth:  link.Depth,
			mcache: mc,
			dcache: j.Dcache[in.Link],
			fseq:   fs,
			seq:    fs.Query(),
		})
		if crMax == 0 || link.Depth < crMax {
			crMax = link.Depth
		}
	}

	if tile.PrimaryOut != topology.NoLink {
		link := j.Topo.Links[tile.PrimaryOut]
		mc := j.Mcache[link.ID]
		if mc == nil || (link.MTU > 0 && j.Dcache[link.ID] == nil) {
			return nil, fmt.Errorf("loop %s: output %s not joined", name, link.Ref())
		}
		rx, err := j.ReliableFseqs(link.ID)
		if err != nil {
			return nil, fmt.Errorf("loop %s: %w", name, err)
		}
		fcfg := foundation.FctlConfig{
			CrMax:    tile.Params.CrMax,
			CrResume: tile.Params.CrResume,
			CrRefill: tile.Params.CrRefill,
		}
		if len(rx) == 0 && fcfg.CrMax == 0 {
			fcfg.CrMax = link.Depth
		}
		fctl := foundation.NewFctl(fcfg)
		for _, f := range rx {
			if err := fctl.AddReceiver(link.Depth, f); err != nil {
				return nil, fmt.Errorf("loop %s: %w", name, err)
			}
		}
		if err := fctl.Done(); err != nil {
			return nil, fmt.Errorf("loop %s: %w", name, err)
		}
		l.fctl, l.rx = fctl, rx
		l.pub = NewPublisher(mc, j.Dcache[link.ID])
		l.bp = NewBackpressure(l.cnc)
		crMax = fctl.Config().CrMax
	}
	if crMax == 0 {
		crMax = 1
	}

	lazy := tile.Params.Lazy
	if lazy <= 0 {
		lazy = foundation.LazyDefault(crMax)
	}
	cadence, err := NewCadence(cfg.Clock, lazy, cfg.EventCnt, tile.Params.Seed, uint64(tile.ID))
	if err != nil {
		return nil, fmt.Errorf("loop %s: %w", name, err)
	}
	l.cadence = cadence
	l.now = cadence.Now()
	return l, nil
}

func (l *Loop) Tile() *topology.Tile { return l.tile }
func (l *Loop) Joint() *topology.Joint { return l.joint }
func (l *Loop) Logger() *utils.Logger { return l.logger }
func (l *Loop) Cnc() *foundation.Cnc { return l.cnc }
func (l *Loop) Metrics() *foundation.Metrics { return l.metrics }
func (l *Loop) Cadence() *Cadence { return l.cadence }
func (l *Loop) Scratch() []byte { return l.joint.Scratch[l.tile.ID] }

// Out is the publisher of the tile's primary output, nil if it has none.
func (l *Loop) Out() *Publisher { return l.pub }

// Backpressure is the tile's blocked-producer tracker, nil without output.
func (l *Loop) Backpressure() *Backpressure { return l.bp }

// Now is the time sampled at the start of the current iteration.
func (l *Loop) Now() time.Time { return l.now }

// Diag accumulates v into cnc diagnostic slot. Accumulated counts are added
// to the cnc at the next housekeeping.
func (l *Loop) Diag(slot int, v uint64) { l.diag[slot] += v }

// InSeq is the next sequence number expected on polled input i.
func (l *Loop) InSeq(i int) uint64 { return l.ins[i].seq }

// Tick runs one iteration: housekeeping if it is due, then one pass of the
// data pump. It returns ErrHalted once HALT is observed and a fatal error on
// any other unexpected signal.
func (l *Loop) Tick() error {
	l.now = l.cadence.Now()
	if l.cadence.Due(l.now) {
		if err := l.housekeeping(); err != nil {
			return err
		}
		l.cadence.Reload(l.now)
	}
	l.pump()
	return nil
}

// Run ticks until HALT, then puts the cnc back in BOOT and returns nil. On a
// fatal error the cnc is left in FAIL.
func (l *Loop) Run() error {
	l.logger.Info("running", utils.Int("ins", len(l.ins)), utils.Bool("out", l.pub != nil))
	for {
		err := l.Tick()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrHalted) {
			l.cnc.Signal(foundation.CNC_SIGNAL_BOOT)
			l.logger.Info("halted")
			return nil
		}
		l.cnc.Signal(foundation.CNC_SIGNAL_FAIL)
		l.logger.Error("run loop failed", utils.Err(err))
		return err
	}
}

func (l *Loop) housekeeping() error {
	for i := range l.ins {
		in := &l.ins[i]
		in.fseq.Update(in.seq)
		for slot, v := range in.accum {
			if v != 0 {
				in.fseq.DiagAdd(slot, v)
			}
		}
		l.metrics.AddIn(in.idx, foundation.METRICS_IN_CONSUMED_CNT, in.accum[foundation.FSEQ_DIAG_PUB_CNT])
		l.metrics.AddIn(in.idx, foundation.METRICS_IN_CONSUMED_SZ, in.accum[foundation.FSEQ_DIAG_PUB_SZ])
		l.metrics.AddIn(in.idx, foundation.METRICS_IN_FILT_CNT, in.accum[foundation.FSEQ_DIAG_FILT_CNT])
		l.metrics.AddIn(in.idx, foundation.METRICS_IN_FILT_SZ, in.accum[foundation.FSEQ_DIAG_FILT_SZ])
		l.metrics.AddIn(in.idx, foundation.METRICS_IN_OVRNP_CNT, in.accum[foundation.FSEQ_DIAG_OVRNP_CNT])
		l.metrics.AddIn(in.idx, foundation.METRICS_IN_OVRNR_CNT, in.accum[foundation.FSEQ_DIAG_OVRNR_CNT])
		in.accum = [foundation.FSEQ_DIAG_CNT]uint64{}
	}

	if l.pub != nil {
		l.pub.Sync()
		cnt, sz := l.pub.takeCounts()
		l.metrics.AddTile(foundation.METRICS_TILE_PUB_CNT, cnt)
		l.metrics.AddTile(foundation.METRICS_TILE_PUB_SZ, sz)
		if n := l.bp.TakeEntries(); n != 0 {
			l.diag[foundation.CNC_DIAG_BACKP_CNT] += n
			l.metrics.AddTile(foundation.METRICS_TILE_BACKP_CNT, n)
		}
		for i, f := range l.rx {
			l.metrics.SetOut(i, f.DiagQuery(foundation.FSEQ_DIAG_SLOW_CNT))
		}
	}

	ns := l.now.UnixNano()
	l.cnc.Heartbeat(ns)
	for slot, v := range l.diag {
		if v != 0 {
			l.cnc.DiagAdd(slot, v)
		}
	}
	l.diag = [foundation.CNC_DIAG_CNT]uint64{}
	l.metrics.AddTile(foundation.METRICS_TILE_HOUSEKEEPING_CNT, 1)
	l.metrics.SetTile(foundation.METRICS_TILE_HEARTBEAT, uint64(ns))

	l.stage.DuringHousekeeping(l)

	switch s := l.cnc.SignalQuery(); s {
	case foundation.CNC_SIGNAL_RUN:
	case foundation.CNC_SIGNAL_HALT:
		return ErrHalted
	default:
		return utils.Fatalf("tile "+l.tile.Name(), "%w %s", ErrUnexpectedSignal, foundation.SignalName(s))
	}

	if l.pub != nil {
		cr := l.fctl.TxCrUpdate(l.pub.CrAvail(), l.pub.Seq())
		l.pub.Grant(cr)
		l.bp.Clear(cr)
		l.metrics.SetTile(foundation.METRICS_TILE_CR_AVAIL, cr)
		var inBackp uint64
		if l.bp.Active() {
			inBackp = 1
		}
		l.metrics.SetTile(foundation.METRICS_TILE_IN_BACKP, inBackp)
	}
	return nil
}

func (l *Loop) pump() {
	if l.pub != nil && l.pub.CrAvail() == 0 {
		l.bp.Enter()
		cpuRelax()
		return
	}
	l.stage.AfterCredit(l)
	if len(l.ins) == 0 {
		return
	}

	in := &l.ins[l.inNext]
	l.inNext++
	if l.inNext == len(l.ins) {
		l.inNext = 0
	}

	meta := in.mcache.Query(in.seq)
	diff := foundation.SeqDiff(meta.Seq, in.seq)
	if diff < 0 {
		cpuRelax()
		return
	}
	if diff > 0 {
		// Lapped: resume at what the producer wrote here, one overrun per episode.
		in.accum[foundation.FSEQ_DIAG_OVRNP_CNT]++
		in.seq = meta.Seq
		return
	}

	sz := uint64(meta.Sz)
	if l.stage.BeforeFrag(in.idx, meta.Seq, meta.Sig) {
		l.filtered(in, sz)
		return
	}

	var payload []byte
	if in.dcache != nil && sz > 0 {
		var ok bool
		payload, ok = in.dcache.ChunkSlice(meta.Chunk, sz)
		if !ok {
			if found := in.mcache.LineSeq(in.seq); found != in.seq {
				l.overrunReading(in, found)
				return
			}
			l.logger.WarnThrottled("corrupt_chunk", "descriptor names a chunk outside the arena",
				utils.Uint64("seq", meta.Seq), utils.Uint64("chunk", uint64(meta.Chunk)), utils.Uint64("sz", sz))
			l.filtered(in, sz)
			return
		}
	}
	l.stage.DuringFrag(in.idx, meta, payload)

	if found := in.mcache.LineSeq(in.seq); found != in.seq {
		l.overrunReading(in, found)
		return
	}

	if l.stage.AfterFrag(l, in.idx, meta) {
		l.filtered(in, sz)
		return
	}
	in.accum[foundation.FSEQ_DIAG_PUB_CNT]++
	in.accum[foundation.FSEQ_DIAG_PUB_SZ] += sz
	in.seq = foundation.SeqInc(in.seq, 1)
}

func (l *Loop) filtered(in *pollIn, sz uint64) {
	in.accum[foundation.FSEQ_DIAG_FILT_CNT]++
	in.accum[foundation.FSEQ_DIAG_FILT_SZ] += sz
	in.seq = foundation.SeqInc(in.seq, 1)
}

// overrunReading drops a frame the producer overwrote while it was copied
// and resumes at found, the sequence now in the line. The episode counts as
// a reading overrun only.
func (l *Loop) overrunReading(in *pollIn, found uint64) {
	in.accum[foundation.FSEQ_DIAG_OVRNR_CNT]++
	l.logger.WarnThrottled("overrun_reading", "frame overwritten while reading",
		utils.Int("in", in.idx), utils.Uint64("seq", in.seq), utils.Uint64("found", found))
	in.seq = found
}
