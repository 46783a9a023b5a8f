package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

// BuildFunc turns a tile's joint into its run loop.
type BuildFunc func(j *topology.Joint, cfg LoopConfig) (*Loop, error)

// RunnerConfig tunes tile supervision.
type RunnerConfig struct {
	Clock  clock.Clock
	Logger *utils.Logger
	// MaxFailures is the number of consecutive failed runs after which a
	// tile is given up on. Defaults to 3.
	MaxFailures uint32
	// Backoff is the pause before restarting a failed tile. Defaults to 100ms.
	Backoff time.Duration
}

// Runner runs every tile of a constructed topology, one locked OS thread
// each, and restarts tiles that fail until their breaker opens.
type Runner struct {
	topo    *topology.Topology
	backend sab.Backend
	mem     topology.TileMem
	build   BuildFunc
	cfg     RunnerConfig
	logger  *utils.Logger

	// ctl is joined read-write for signalling tiles.
	ctl     *topology.Joint
	halting atomic.Bool
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewRunner joins the topology for control. The workspaces must already
// exist.
func NewRunner(topo *topology.Topology, backend sab.Backend, mem topology.TileMem, build BuildFunc, cfg RunnerConfig) (*Runner, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("runner")
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	ctl, err := topology.AttachAll(topo, backend, sab.JoinReadWrite, mem)
	if err != nil {
		return nil, utils.WrapError(err, "runner: join topology")
	}
	return &Runner{
		topo:    topo,
		backend: backend,
		mem:     mem,
		build:   build,
		cfg:     cfg,
		logger:  cfg.Logger.With(utils.String("app", topo.App)),
		ctl:     ctl,
	}, nil
}

// Run starts every tile and blocks until all of them have stopped. Cancelling
// ctx halts the topology. The result joins the errors of tiles that gave up.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("runner already running")
	}
	defer r.running.Store(false)

	errs := make([]error, len(r.topo.Tiles))
	for _, tile := range r.topo.Tiles {
		r.wg.Add(1)
		go func(tile *topology.Tile) {
			defer r.wg.Done()
			errs[tile.ID] = r.superviseTile(tile)
		}(tile)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.Halt()
		<-done
	case <-done:
	}
	return errors.Join(errs...)
}

// Halt asks every tile to stop. Tiles notice at their next housekeeping.
func (r *Runner) Halt() {
	r.halting.Store(true)
	for _, tile := range r.topo.Tiles {
		r.ctl.Cnc[tile.ID].Signal(foundation.CNC_SIGNAL_HALT)
	}
	r.logger.Info("halt broadcast", utils.Int("tiles", len(r.topo.Tiles)))
}

// Close releases the control joint.
func (r *Runner) Close() error {
	return r.ctl.Close()
}

func (r *Runner) superviseTile(tile *topology.Tile) error {
	logger := r.logger.With(utils.String("tile", tile.Name()))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tile.Name(),
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= r.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("restart breaker", utils.String("from", from.String()), utils.String("to", to.String()))
		},
	})

	var last error
	for {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, r.runTile(tile)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			logger.Error("giving up on tile", utils.Err(last))
			return fmt.Errorf("tile %s: %w", tile.Name(), last)
		}
		last = err
		if r.halting.Load() {
			return fmt.Errorf("tile %s: %w", tile.Name(), err)
		}
		logger.Warn("tile failed, restarting", utils.Err(err), utils.Duration("backoff", r.cfg.Backoff))
		r.cfg.Clock.Sleep(r.cfg.Backoff)
	}
}

// runTile joins tile, moves it from BOOT to RUN and runs it on this
// goroutine's locked OS thread until it halts or fails.
func (r *Runner) runTile(tile *topology.Tile) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if tile.Params.Pin {
		if err := setAffinity(tile.Params.CPU); err != nil {
			return err
		}
	}

	cnc := r.ctl.Cnc[tile.ID]
	switch s := cnc.SignalQuery(); s {
	case foundation.CNC_SIGNAL_BOOT:
	case foundation.CNC_SIGNAL_FAIL:
		cnc.SignalCAS(foundation.CNC_SIGNAL_FAIL, foundation.CNC_SIGNAL_BOOT)
	case foundation.CNC_SIGNAL_HALT:
		return nil
	default:
		return fmt.Errorf("tile %s: not in boot (signal %s)", tile.Name(), foundation.SignalName(s))
	}

	j, err := topology.Attach(r.topo, tile, r.backend, r.mem)
	if err != nil {
		return &utils.FatalError{Op: "attach " + tile.Name(), Err: err}
	}
	defer j.Close()

	loop, err := r.build(j, LoopConfig{Clock: r.cfg.Clock, Logger: r.cfg.Logger})
	if err != nil {
		return &utils.FatalError{Op: "build " + tile.Name(), Err: err}
	}
	if !j.Cnc[tile.ID].SignalCAS(foundation.CNC_SIGNAL_BOOT, foundation.CNC_SIGNAL_RUN) {
		if s := j.Cnc[tile.ID].SignalQuery(); s == foundation.CNC_SIGNAL_HALT {
			return nil
		}
		return fmt.Errorf("tile %s: lost boot to another runner", tile.Name())
	}
	return loop.Run()
}
