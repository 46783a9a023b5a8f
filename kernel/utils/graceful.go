package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type shutdownStep struct {
	name string
	fn   func(ctx context.Context) error
}

// GracefulShutdown runs named teardown steps in reverse registration order,
// one at a time, under a shared deadline. Register a resource right after
// acquiring it and it is released before anything it depends on.
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a step. fn should return once ctx is done.
func (g *GracefulShutdown) Register(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// RegisterCloser adds a step that cannot be interrupted, such as Close.
func (g *GracefulShutdown) RegisterCloser(name string, fn func() error) {
	g.Register(name, func(context.Context) error { return fn() })
}

// Shutdown runs every registered step once. A failing step does not stop
// the ones after it; their errors are joined. When the deadline passes the
// remaining steps are skipped and a TimeoutError naming the stuck step is
// returned.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	steps := g.steps
	g.steps = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("steps", len(steps)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		start := time.Now()
		done := make(chan error, 1)
		go func() { done <- step.fn(shutdownCtx) }()

		select {
		case err := <-done:
			if err != nil {
				g.logger.Error("Shutdown step failed", String("step", step.name), Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
				continue
			}
			g.logger.Debug("Shutdown step done", String("step", step.name), Duration("took", time.Since(start)))
		case <-shutdownCtx.Done():
			g.logger.Warn("Graceful shutdown timed out",
				String("step", step.name),
				Int("skipped", i),
			)
			return errors.Join(append(errs, TimeoutError("shutdown "+step.name))...)
		}
	}

	if len(errs) == 0 {
		g.logger.Info("Graceful shutdown complete")
	}
	return errors.Join(errs...)
}
