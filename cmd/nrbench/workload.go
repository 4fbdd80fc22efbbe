package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/noderep/internal/config"
	"github.com/dreamware/noderep/internal/monitor"
	"github.com/dreamware/noderep/internal/oplog"
	"github.com/dreamware/noderep/internal/replica"
	"github.com/dreamware/noderep/internal/shard"
	"github.com/dreamware/noderep/internal/storage"
)

// worker issues operations for one goroutine.
type worker interface {
	Op(rng *rand.Rand, write bool) error
	Close() error
}

// workload is a data structure under test plus everything the driver needs
// to observe it.
type workload interface {
	// Worker registers a new goroutine in domain.
	Worker(domain int) (worker, error)

	// Verify brings every copy up to date and reports whether they agree.
	Verify() (bool, error)

	// Targets feeds the lag monitor, nil when there is nothing to watch.
	Targets() func() []monitor.Target

	Collectors() []prometheus.Collector
	Info() any
	Close() error
}

func newWorkload(cfg *config.Config, logger *zap.Logger) (workload, error) {
	switch {
	case cfg.Bench.Baseline && cfg.Bench.Workload == "counter":
		return &lockedCounter{}, nil
	case cfg.Bench.Baseline:
		return &baselineKV{store: storage.NewMemoryStore(), keys: cfg.Bench.Keys}, nil
	case cfg.Bench.Workload == "counter":
		return newReplicatedCounter(cfg, logger)
	default:
		return newReplicatedKV(cfg, logger)
	}
}

func keyName(i int) string {
	return "key-" + strconv.Itoa(i)
}

// replicatedKV runs the kv workload on a shard set.
type replicatedKV struct {
	set  *shard.Set
	keys int
}

func newReplicatedKV(cfg *config.Config, logger *zap.Logger) (*replicatedKV, error) {
	set, err := shard.NewSet(shard.Options{
		Shards:  cfg.Shards,
		Domains: cfg.Domains,
		Log:     cfg.LogOptions(),
		Replica: cfg.ReplicaOptions(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &replicatedKV{set: set, keys: cfg.Bench.Keys}, nil
}

func (w *replicatedKV) Worker(domain int) (worker, error) {
	h, err := w.set.Register(domain)
	if err != nil {
		return nil, err
	}
	return &kvWorker{store: h, keys: w.keys}, nil
}

func (w *replicatedKV) Verify() (bool, error) { return w.set.Converged() }
func (w *replicatedKV) Targets() func() []monitor.Target { return monitor.SetTargets(w.set) }
func (w *replicatedKV) Collectors() []prometheus.Collector { return w.set.PrometheusCollectors() }
func (w *replicatedKV) Info() any { return w.set.Info() }
func (w *replicatedKV) Close() error { return w.set.Close() }

// kvWorker drives any storage.Store with uniformly chosen keys.
type kvWorker struct {
	store storage.Store
	keys  int
	buf   [8]byte
}

func (w *kvWorker) Op(rng *rand.Rand, write bool) error {
	key := keyName(rng.IntN(w.keys))
	if write {
		v := strconv.AppendUint(w.buf[:0], rng.Uint64()%1000, 10)
		return w.store.Put(key, v)
	}
	_, err := w.store.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (w *kvWorker) Close() error {
	if c, ok := w.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// baselineKV runs the kv workload on one map behind a reader/writer lock.
type baselineKV struct {
	store *storage.MemoryStore
	keys  int
}

func (w *baselineKV) Worker(int) (worker, error) {
	return &kvWorker{store: w.store, keys: w.keys}, nil
}

func (w *baselineKV) Verify() (bool, error) { return true, nil }
func (w *baselineKV) Targets() func() []monitor.Target { return nil }
func (w *baselineKV) Collectors() []prometheus.Collector { return nil }
func (w *baselineKV) Info() any { return w.store.Stats() }
func (w *baselineKV) Close() error { return nil }

type counterReplica = replica.Replica[storage.CounterOp, storage.CounterRead, int64]

// replicatedCounter runs the counter workload on a single log with one
// replica per domain.
type replicatedCounter struct {
	log      *oplog.Log[storage.CounterOp]
	replicas []*counterReplica
	writes   atomic.Int64
}

func newReplicatedCounter(cfg *config.Config, logger *zap.Logger) (*replicatedCounter, error) {
	c := &replicatedCounter{}

	logOpts := cfg.LogOptions()
	logOpts.Logger = logger
	logOpts.OnLagging = c.nudge
	log, err := oplog.New[storage.CounterOp](logOpts)
	if err != nil {
		return nil, err
	}
	c.log = log

	for d := 0; d < cfg.Domains; d++ {
		opts := cfg.ReplicaOptions()
		opts.Domain = d
		opts.Logger = logger
		r, err := replica.New[storage.CounterOp, storage.CounterRead, int64](log, &storage.Counter{}, opts)
		if err != nil {
			return nil, multierr.Append(err, c.Close())
		}
		c.replicas = append(c.replicas, r)
	}
	return c, nil
}

func (c *replicatedCounter) nudge(id oplog.ReplicaID) {
	for _, r := range c.replicas {
		if r.ID() == id {
			r.TrySync()
			return
		}
	}
}

func (c *replicatedCounter) Worker(domain int) (worker, error) {
	if domain < 0 || domain >= len(c.replicas) {
		return nil, fmt.Errorf("no replica for domain %d", domain)
	}
	r := c.replicas[domain]
	tok, err := r.Register()
	if err != nil {
		return nil, err
	}
	return &counterWorker{r: r, tok: tok, writes: &c.writes}, nil
}

// Verify syncs every replica and checks each one counted every increment.
func (c *replicatedCounter) Verify() (bool, error) {
	want := c.writes.Load()
	for _, r := range c.replicas {
		var got int64
		err := r.View(func(d replica.Dispatch[storage.CounterOp, storage.CounterRead, int64]) {
			got = d.Dispatch(storage.CounterRead{})
		})
		if err != nil {
			return false, err
		}
		if got != want {
			return false, nil
		}
	}
	return true, nil
}

func (c *replicatedCounter) Targets() func() []monitor.Target {
	return func() []monitor.Target {
		out := make([]monitor.Target, len(c.replicas))
		for d, r := range c.replicas {
			out[d] = monitor.Target{
				Domain: d,
				Lag:    func() uint64 { return c.log.Lag(r.ID()) },
				Nudge:  r.TrySync,
			}
		}
		return out
	}
}

func (c *replicatedCounter) Collectors() []prometheus.Collector {
	cs := c.log.PrometheusCollectors()
	for _, r := range c.replicas {
		cs = append(cs, r.PrometheusCollectors()...)
	}
	return cs
}

func (c *replicatedCounter) Info() any {
	stats := make([]replica.Stats, len(c.replicas))
	for i, r := range c.replicas {
		stats[i] = r.Stats()
	}
	return struct {
		Tail     uint64          `json:"tail"`
		Head     uint64          `json:"head"`
		Writes   int64           `json:"writes"`
		Replicas []replica.Stats `json:"replicas"`
	}{c.log.Tail(), c.log.Head(), c.writes.Load(), stats}
}

func (c *replicatedCounter) Close() error {
	var err error
	for _, r := range c.replicas {
		err = multierr.Append(err, r.Close())
	}
	return err
}

type counterWorker struct {
	r      *counterReplica
	tok    replica.Token
	writes *atomic.Int64
}

func (w *counterWorker) Op(_ *rand.Rand, write bool) error {
	if !write {
		_, err := w.r.ExecuteRO(w.tok, storage.CounterRead{})
		return err
	}
	if _, err := w.r.Execute(w.tok, 1); err != nil {
		return err
	}
	w.writes.Add(1)
	return nil
}

func (w *counterWorker) Close() error { return w.r.Deregister(w.tok) }

// lockedCounter is the counter baseline: one copy behind a mutex.
type lockedCounter struct {
	mu sync.Mutex
	c  storage.Counter
}

func (l *lockedCounter) Worker(int) (worker, error) { return l, nil }

func (l *lockedCounter) Op(_ *rand.Rand, write bool) error {
	l.mu.Lock()
	if write {
		l.c.DispatchMut(1)
	} else {
		l.c.Dispatch(storage.CounterRead{})
	}
	l.mu.Unlock()
	return nil
}

func (l *lockedCounter) Verify() (bool, error) { return true, nil }
func (l *lockedCounter) Targets() func() []monitor.Target { return nil }
func (l *lockedCounter) Collectors() []prometheus.Collector { return nil }
func (l *lockedCounter) Close() error { return nil }

func (l *lockedCounter) Info() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return struct {
		Value int64 `json:"value"`
	}{l.c.Dispatch(storage.CounterRead{})}
}
