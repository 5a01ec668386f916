package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config controls the worker pool.
type Config struct {
	Workers        int     `yaml:"workers" mapstructure:"workers"`
	PollIntervalMs int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoff     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
	StaleAfterSecs int     `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// DefaultConfig returns the standard pool settings.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		PollIntervalMs: 1000,
		MaxAttempts:    3,
		InitialBackoff: 30_000,
		MaxBackoff:     600_000,
		Multiplier:     2,
		StaleAfterSecs: 900,
	}
}

func (c Config) pollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Pool polls the queue with a fixed number of workers and reaps stale runs.
type Pool struct {
	runner *Runner
	reaper *Reaper
	cfg    Config
	prefix string
}

// NewPool creates a pool. reaper may be nil to disable stale detection.
func NewPool(runner *Runner, reaper *Reaper, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		runner: runner,
		reaper: reaper,
		cfg:    cfg,
		prefix: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.prefix, i)
		g.Go(func() error {
			p.work(gctx, workerID)
			return nil
		})
	}

	if p.reaper != nil {
		g.Go(func() error {
			p.reap(gctx)
			return nil
		})
	}

	zap.L().Info("jobs: pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.pollInterval()),
	)
	err := g.Wait()
	zap.L().Info("jobs: pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, workerID)
		}
	}
}

// drain runs jobs back to back until the queue has nothing due.
func (p *Pool) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		ran, err := p.runner.RunNext(ctx, workerID)
		if err != nil {
			zap.L().Warn("jobs: worker iteration failed",
				zap.String("worker_id", workerID),
				zap.Error(err),
			)
			return
		}
		if !ran {
			return
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	interval := p.reaper.staleAfter / 2
	if interval < p.cfg.pollInterval() {
		interval = p.cfg.pollInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.reaper.Reap(ctx); err != nil {
				zap.L().Warn("jobs: reap failed", zap.Error(err))
			}
		}
	}
}
