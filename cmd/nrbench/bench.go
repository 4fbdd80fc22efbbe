package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/noderep/internal/config"
	"github.com/dreamware/noderep/internal/monitor"
	"github.com/dreamware/noderep/internal/topology"
)

// Report summarizes one benchmark run.
type Report struct {
	RunID      string        `json:"run_id"`
	Workload   string        `json:"workload"`
	Baseline   bool          `json:"baseline"`
	Shards     int           `json:"shards"`
	Domains    int           `json:"domains"`
	Threads    int           `json:"threads_per_domain"`
	Elapsed    time.Duration `json:"elapsed"`
	Ops        uint64        `json:"ops"`
	Writes     uint64        `json:"writes"`
	Throughput float64       `json:"ops_per_sec"`
	PerDomain  []uint64      `json:"per_domain"`
	Converged  bool          `json:"converged"`
}

func (r *Report) String() string {
	mode := "replicated"
	if r.Baseline {
		mode = "baseline"
	}
	return fmt.Sprintf("run %s: %s %s, %d shards x %d domains x %d threads, %d ops (%d writes) in %s, %.0f ops/s, converged=%v",
		r.RunID, mode, r.Workload, r.Shards, r.Domains, r.Threads,
		r.Ops, r.Writes, r.Elapsed.Round(time.Millisecond), r.Throughput, r.Converged)
}

// Bench runs one configured workload.
type Bench struct {
	cfg    *config.Config
	logger *zap.Logger
	runID  string
	topo   *topology.Topology
	wl     workload
	mon    *monitor.LagMonitor

	started atomic.Bool
	ops     []atomic.Uint64 // Per domain
	writes  atomic.Uint64
}

// NewBench validates cfg and builds the data structure under test.
func NewBench(cfg *config.Config, logger *zap.Logger) (*Bench, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bench{
		cfg:   cfg,
		runID: uuid.NewString(),
		ops:   make([]atomic.Uint64, cfg.Domains),
	}
	b.logger = logger.With(zap.String("run_id", b.runID))

	topo, err := topology.Detect(cfg.Domains)
	switch {
	case err == nil:
		b.topo = &topo
	case cfg.Bench.Pin:
		return nil, err
	default:
		b.logger.Warn("topology unavailable, pinning disabled", zap.Error(err))
	}

	wl, err := newWorkload(cfg, b.logger)
	if err != nil {
		return nil, err
	}
	b.wl = wl

	if cfg.Monitor.Enabled && wl.Targets() != nil {
		opts := cfg.MonitorOptions()
		opts.Logger = b.logger
		b.mon = monitor.New(opts)
	}
	return b, nil
}

// Run drives the workload until the configured duration elapses or ctx is
// canceled, then verifies that every copy converged.
func (b *Bench) Run(ctx context.Context) (*Report, error) {
	if !b.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("bench %s already ran", b.runID)
	}
	cfg := b.cfg

	workers := make([]worker, 0, cfg.Domains*cfg.ThreadsPerDomain)
	for d := 0; d < cfg.Domains; d++ {
		for i := 0; i < cfg.ThreadsPerDomain; i++ {
			w, err := b.wl.Worker(d)
			if err != nil {
				return nil, multierr.Append(fmt.Errorf("register worker %d/%d: %w", d, i, err), closeAll(workers))
			}
			workers = append(workers, w)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.BenchDuration())
	defer cancel()

	if b.mon != nil {
		go b.mon.Start(ctx, b.wl.Targets())
		defer b.mon.Stop()
	}

	b.logger.Info("benchmark started",
		zap.String("workload", cfg.Bench.Workload),
		zap.Bool("baseline", cfg.Bench.Baseline),
		zap.Int("domains", cfg.Domains),
		zap.Int("threads_per_domain", cfg.ThreadsPerDomain),
		zap.Duration("duration", cfg.BenchDuration()))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for n, w := range workers {
		d, i := n/cfg.ThreadsPerDomain, n%cfg.ThreadsPerDomain
		g.Go(func() error {
			defer w.Close()
			return b.drive(gctx, w, d, i)
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	ok, err := b.wl.Verify()
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	r := &Report{
		RunID:     b.runID,
		Workload:  cfg.Bench.Workload,
		Baseline:  cfg.Bench.Baseline,
		Shards:    cfg.Shards,
		Domains:   cfg.Domains,
		Threads:   cfg.ThreadsPerDomain,
		Elapsed:   elapsed,
		Writes:    b.writes.Load(),
		PerDomain: make([]uint64, cfg.Domains),
		Converged: ok,
	}
	for d := range b.ops {
		r.PerDomain[d] = b.ops[d].Load()
		r.Ops += r.PerDomain[d]
	}
	if s := elapsed.Seconds(); s > 0 {
		r.Throughput = float64(r.Ops) / s
	}

	b.logger.Info("benchmark finished",
		zap.Uint64("ops", r.Ops),
		zap.Float64("ops_per_sec", r.Throughput),
		zap.Bool("converged", r.Converged))
	return r, nil
}

// drive issues operations from one goroutine until ctx ends.
func (b *Bench) drive(ctx context.Context, w worker, domain, thread int) error {
	if b.cfg.Bench.Pin {
		cpu := b.topo.Assign(domain, thread)
		// The locked thread is discarded when this goroutine returns.
		if err := topology.Pin(cpu); err != nil {
			return err
		}
	}

	var limiter *rate.Limiter
	if b.cfg.Bench.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.cfg.Bench.Rate), 1)
	}

	rng := rand.New(rand.NewPCG(uint64(domain), uint64(thread)))
	ratio := b.cfg.Bench.WriteRatio

	var ops, writes uint64
	defer func() {
		b.ops[domain].Add(ops)
		b.writes.Add(writes)
	}()

	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		write := rng.Float64() < ratio
		if err := w.Op(rng, write); err != nil {
			return fmt.Errorf("domain %d thread %d: %w", domain, thread, err)
		}
		ops++
		if write {
			writes++
		}
	}
	return nil
}

// Monitor returns the lag monitor, nil when disabled.
func (b *Bench) Monitor() *monitor.LagMonitor { return b.mon }

// Close releases the data structure under test.
func (b *Bench) Close() error { return b.wl.Close() }

func closeAll(ws []worker) error {
	var err error
	for _, w := range ws {
		err = multierr.Append(err, w.Close())
	}
	return err
}
