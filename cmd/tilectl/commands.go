package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nmxmxh/inos_tiles/kernel/threads/foundation"
	"github.com/nmxmxh/inos_tiles/kernel/threads/monitor"
	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor"
	"github.com/nmxmxh/inos_tiles/kernel/threads/supervisor/units"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

const checkpointExt = ".ckpt"

func cmdValidate(e *env, args []string) error {
	if err := e.parse(e.flags("validate"), args); err != nil {
		return err
	}
	t, err := e.load(units.TileMem())
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s: ok (%d workspaces, %d links, %d tiles)\n", t.App, len(t.Workspaces), len(t.Links), len(t.Tiles))
	return nil
}

func cmdSize(e *env, args []string) error {
	if err := e.parse(e.flags("size"), args); err != nil {
		return err
	}
	t, err := e.load(units.TileMem())
	if err != nil {
		return err
	}
	topology.Print(e.stdout, t)
	return nil
}

func cmdCreate(e *env, args []string) error {
	if err := e.parse(e.flags("create"), args); err != nil {
		return err
	}
	t, err := e.load(units.TileMem())
	if err != nil {
		return err
	}
	return create(e, t)
}

func create(e *env, t *topology.Topology) error {
	j, err := topology.Construct(t, e.backend(), units.TileMem())
	if err != nil {
		return err
	}
	topology.Log(e.logger, t)
	e.logger.Info("workspaces created", utils.String("dir", e.dir), utils.Int("count", len(t.Workspaces)))
	return j.Close()
}

func cmdDestroy(e *env, args []string) error {
	if err := e.parse(e.flags("destroy"), args); err != nil {
		return err
	}
	t, err := e.load(units.TileMem())
	if err != nil {
		return err
	}
	if err := topology.Destroy(t, e.backend()); err != nil {
		return err
	}
	e.logger.Info("workspaces removed", utils.String("app", t.App), utils.String("dir", e.dir))
	return nil
}

func cmdRun(e *env, args []string) error {
	fs := e.flags("run")
	fresh := fs.Bool("create", false, "create the workspaces first and remove them on exit")
	corrupt := fs.Uint64("corrupt-every", 0, "make sources corrupt every Nth transaction")
	stats := fs.Duration("stats", 5*time.Second, "interval between throughput reports (0 disables)")
	maxFailures := fs.Uint("max-failures", 3, "consecutive failures before a tile is given up on")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	mem := units.TileMem()
	t, err := e.load(mem)
	if err != nil {
		return err
	}
	backend := e.backend()
	shutdown := utils.NewGracefulShutdown(10*time.Second, e.logger.Named("shutdown"))
	if *fresh {
		if err := create(e, t); err != nil {
			return err
		}
		shutdown.RegisterCloser("remove workspaces", func() error { return topology.Destroy(t, backend) })
	}

	factory := &units.Factory{CorruptEvery: *corrupt}
	r, err := supervisor.NewRunner(t, backend, mem, factory.Build, supervisor.RunnerConfig{
		Logger:      e.logger.Named("runner"),
		MaxFailures: uint32(*maxFailures),
	})
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}
	shutdown.RegisterCloser("release control joint", r.Close)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, halt := context.WithCancel(context.Background())
	defer halt()

	if *stats > 0 {
		mon, err := monitor.Open(t, backend, mem, clock.New())
		if err != nil {
			_ = shutdown.Shutdown(context.Background())
			return err
		}
		shutdown.RegisterCloser("detach monitor", mon.Close)
		go reportRates(runCtx, mon, *stats, e.logger.Named("stats"))
	}

	e.logger.Info("running", utils.String("app", t.App), utils.Int("tiles", len(t.Tiles)))
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(runCtx) }()

	runResult := make(chan error, 1)
	shutdown.Register("halt tiles", func(ctx context.Context) error {
		halt()
		select {
		case err := <-runDone:
			runResult <- err
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	select {
	case <-sigCtx.Done():
		e.logger.Info("interrupted, halting")
	case err := <-runDone:
		// Every tile stopped on its own; hand the result to the halt step.
		runDone <- err
	}
	shutdownErr := shutdown.Shutdown(context.Background())
	var runErr error
	select {
	case runErr = <-runResult:
	default:
	}
	return errors.Join(runErr, shutdownErr)
}

func reportRates(ctx context.Context, mon *monitor.Monitor, every time.Duration, logger *utils.Logger) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	prev := mon.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		cur := mon.Snapshot()
		for _, r := range monitor.Rates(prev, cur) {
			logger.Info("rate",
				utils.String("tile", r.Name),
				utils.Float64("consumed", r.Consumed),
				utils.Float64("published", r.PubCnt),
				utils.Float64("pub_bytes", r.PubSz),
				utils.Float64("filtered", r.Filtered),
				utils.Float64("overrun", r.Overrun),
			)
		}
		prev = cur
	}
}

func cmdMonitor(e *env, args []string) error {
	fs := e.flags("monitor")
	listen := fs.String("listen", "127.0.0.1:7400", "address to serve snapshots on")
	interval := fs.Duration("interval", time.Second, "interval between streamed snapshots")
	history := fs.String("history", "", "sqlite file to record snapshots into")
	retain := fs.Duration("retain", time.Hour, "how long recorded snapshots are kept")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	mem := units.TileMem()
	t, err := e.load(mem)
	if err != nil {
		return err
	}
	mon, err := monitor.Open(t, e.backend(), mem, clock.New())
	if err != nil {
		return err
	}
	defer mon.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *history != "" {
		h, err := monitor.OpenHistory(*history)
		if err != nil {
			return err
		}
		defer h.Close()
		go func() {
			if err := mon.Record(ctx, h, *interval); err != nil {
				e.logger.Error("history recording stopped", utils.Err(err))
			}
		}()
		go pruneHistory(ctx, h, t.App, *retain, e.logger)
	}

	srv := monitor.NewServer(mon, monitor.ServerConfig{Interval: *interval, Logger: e.logger})
	e.logger.Info("serving snapshots", utils.String("addr", *listen), utils.String("app", t.App))
	return srv.ListenAndServe(ctx, *listen)
}

func pruneHistory(ctx context.Context, h *monitor.History, app string, retain time.Duration, logger *utils.Logger) {
	tick := time.NewTicker(retain / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			n, err := h.Prune(app, now.Add(-retain).UnixNano())
			if err != nil {
				logger.Warn("prune history", utils.Err(err))
				continue
			}
			logger.Debug("pruned history", utils.Int64("rows", n))
		}
	}
}

// running returns the tiles whose cnc still says RUN.
func running(t *topology.Topology, backend sab.Backend, mem topology.TileMem) ([]string, error) {
	j, err := topology.AttachAll(t, backend, sab.JoinReadOnly, mem)
	if err != nil {
		return nil, err
	}
	defer j.Close()
	var names []string
	for _, tile := range t.Tiles {
		if j.Cnc[tile.ID].SignalQuery() == foundation.CNC_SIGNAL_RUN {
			names = append(names, tile.Name())
		}
	}
	return names, nil
}

func cmdCheckpoint(e *env, args []string) error {
	fs := e.flags("checkpoint")
	out := fs.String("out", "", "directory to write images into")
	force := fs.Bool("force", false, "checkpoint even while tiles are running")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	if *out == "" {
		return utils.NewError("-out is required")
	}
	mem := units.TileMem()
	t, err := e.load(mem)
	if err != nil {
		return err
	}
	backend := e.backend()
	if !*force {
		live, err := running(t, backend, mem)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			return fmt.Errorf("tiles %v are running; halt them or pass -force", live)
		}
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}
	for _, w := range t.Workspaces {
		if err := checkpointWorkspace(backend, sab.RegionFileName(t.App, w.Name), *out, e.logger); err != nil {
			return fmt.Errorf("workspace %s: %w", w.Name, err)
		}
	}
	return nil
}

func checkpointWorkspace(backend sab.Backend, region, dir string, logger *utils.Logger) (err error) {
	p, err := backend.Join(region, sab.JoinReadOnly)
	if err != nil {
		return err
	}
	ws, err := sab.JoinWorkspace(p)
	if err != nil {
		_ = p.Close()
		return err
	}
	defer ws.Close()

	f, err := os.Create(filepath.Join(dir, region+checkpointExt))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	info, err := sab.Checkpoint(f, ws)
	if err != nil {
		return err
	}
	logger.Info("checkpointed",
		utils.String("region", info.Name),
		utils.Uint64("bytes", info.PageSz*info.PageCnt),
		utils.String("digest", fmt.Sprintf("%x", info.Digest[:8])),
	)
	return nil
}

func cmdRestore(e *env, args []string) error {
	fs := e.flags("restore")
	in := fs.String("in", "", "directory holding images written by checkpoint")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	if *in == "" {
		return utils.NewError("-in is required")
	}
	t, err := e.load(units.TileMem())
	if err != nil {
		return err
	}
	backend := e.backend()
	for _, w := range t.Workspaces {
		region := sab.RegionFileName(t.App, w.Name)
		if err := restoreWorkspace(backend, region, *in); err != nil {
			return fmt.Errorf("workspace %s: %w", w.Name, err)
		}
		e.logger.Info("restored", utils.String("region", region))
	}
	return nil
}

func restoreWorkspace(backend sab.Backend, region, dir string) error {
	f, err := os.Open(filepath.Join(dir, region+checkpointExt))
	if err != nil {
		return err
	}
	defer f.Close()
	ws, err := sab.Restore(f, backend)
	if err != nil {
		return err
	}
	if got := ws.Provider().Name(); got != region {
		_ = ws.Close()
		_ = backend.Remove(got)
		return fmt.Errorf("image holds region %s", got)
	}
	return ws.Close()
}
