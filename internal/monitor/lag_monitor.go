package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Status is a replica's position relative to its log.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusSynced  Status = "synced"
	StatusLagging Status = "lagging"
)

// Target is one replica the monitor watches.
type Target struct {
	Shard  int
	Domain int
	Lag    func() uint64 // Entries appended but not yet applied by the replica
	Nudge  func() bool   // Non-blocking catch-up attempt, e.g. Replica.TrySync
}

type key struct{ shard, domain int }

// ReplicaHealth tracks how far one replica trails its log.
// Thread-safe: Protected by LagMonitor's mutex when accessed.
type ReplicaHealth struct {
	LastCheck       time.Time // Timestamp of the last check
	LastSynced      time.Time // Timestamp of the last check under the threshold
	Shard           int       // Shard (log) the replica replays
	Domain          int       // Domain the replica serves
	Status          Status    // Current status
	Lag             uint64    // Lag observed at the last check
	ConsecutiveLags int       // Checks in a row over the threshold
}

// Options configures a LagMonitor.
type Options struct {
	Interval       time.Duration // How often to check, default 100ms
	Threshold      uint64        // Lag above which a check counts as lagging, default 1024
	MaxConsecutive int           // Lagging checks before the replica is marked lagging, default 3
	Clock          clock.Clock
	Logger         *zap.Logger

	// OnLagging is called when a replica becomes lagging. It defaults to the
	// target's Nudge.
	OnLagging func(Target)
}

// LagMonitor periodically checks how far every replica trails its log and
// nudges replicas that stay behind. Replicas fall behind when the goroutines
// of their domain go idle; the log's own lagging hook only fires once the log
// is full, the monitor catches them earlier.
// Thread-safe: All methods are safe for concurrent access.
type LagMonitor struct {
	replicas map[key]*ReplicaHealth
	opts     Options
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	wg       sync.WaitGroup

	lagGauge *prometheus.GaugeVec
	nudges   prometheus.Counter
}

// New creates a lag monitor. Call Start to begin checking.
//
// Example:
//
//	m := monitor.New(monitor.Options{Interval: 50 * time.Millisecond})
//	go m.Start(ctx, monitor.SetTargets(set))
//	defer m.Stop()
func New(opts Options) *LagMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Threshold == 0 {
		opts.Threshold = 1024
	}
	if opts.MaxConsecutive <= 0 {
		opts.MaxConsecutive = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &LagMonitor{
		replicas: make(map[key]*ReplicaHealth),
		opts:     opts,
		logger:   opts.Logger.Named("monitor"),
		ctx:      ctx,
		cancel:   cancel,
		lagGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "noderep",
			Subsystem: "monitor",
			Name:      "replica_lag_entries",
			Help:      "Replica lag observed at the last monitor check",
		}, []string{"shard", "domain"}),
		nudges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noderep",
			Subsystem: "monitor",
			Name:      "nudges_total",
			Help:      "Replicas the monitor found lagging and nudged",
		}),
	}
}

// Start checks every target returned by provider once per interval. It blocks
// until ctx is canceled or Stop is called.
func (m *LagMonitor) Start(ctx context.Context, provider func() []Target) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := m.opts.Clock.Ticker(m.opts.Interval)
	defer ticker.Stop()

	m.logger.Info("lag monitor started",
		zap.Duration("interval", m.opts.Interval),
		zap.Uint64("threshold", m.opts.Threshold))

	m.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			m.checkAll(provider())
		case <-ctx.Done():
			m.logger.Info("lag monitor stopping", zap.String("reason", "context canceled"))
			return
		case <-m.ctx.Done():
			m.logger.Info("lag monitor stopping", zap.String("reason", "stopped"))
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (m *LagMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// checkAll checks every target and forgets replicas no longer provided.
func (m *LagMonitor) checkAll(targets []Target) {
	current := make(map[key]bool, len(targets))
	for _, t := range targets {
		current[key{t.Shard, t.Domain}] = true
		m.check(t)
	}

	m.mu.Lock()
	for k := range m.replicas {
		if !current[k] {
			delete(m.replicas, k)
			m.lagGauge.DeleteLabelValues(strconv.Itoa(k.shard), strconv.Itoa(k.domain))
		}
	}
	m.mu.Unlock()
}

// check updates one replica's record and fires OnLagging on the transition
// to lagging. The callback runs without the lock held.
func (m *LagMonitor) check(t Target) {
	lag := t.Lag()
	now := m.opts.Clock.Now()
	k := key{t.Shard, t.Domain}
	m.lagGauge.WithLabelValues(strconv.Itoa(t.Shard), strconv.Itoa(t.Domain)).Set(float64(lag))

	m.mu.Lock()
	h, ok := m.replicas[k]
	if !ok {
		h = &ReplicaHealth{Shard: t.Shard, Domain: t.Domain, Status: StatusUnknown, LastSynced: now}
		m.replicas[k] = h
	}
	h.LastCheck = now
	h.Lag = lag

	fire := false
	if lag > m.opts.Threshold {
		h.ConsecutiveLags++
		if h.ConsecutiveLags >= m.opts.MaxConsecutive && h.Status != StatusLagging {
			h.Status = StatusLagging
			fire = true
			m.logger.Warn("replica lagging",
				zap.Int("shard", t.Shard),
				zap.Int("domain", t.Domain),
				zap.Uint64("lag", lag),
				zap.Int("checks", h.ConsecutiveLags))
		}
	} else {
		if h.Status == StatusLagging {
			m.logger.Info("replica caught up",
				zap.Int("shard", t.Shard),
				zap.Int("domain", t.Domain))
		}
		h.Status = StatusSynced
		h.ConsecutiveLags = 0
		h.LastSynced = now
	}
	m.mu.Unlock()

	if !fire {
		return
	}
	m.nudges.Inc()
	if m.opts.OnLagging != nil {
		m.opts.OnLagging(t)
	} else if t.Nudge != nil {
		t.Nudge()
	}
}

// Get returns a copy of one replica's record, or nil if it is not monitored.
func (m *LagMonitor) Get(shard, domain int) *ReplicaHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.replicas[key{shard, domain}]
	if !ok {
		return nil
	}
	c := *h
	return &c
}

// All returns copies of every record, ordered by shard then domain.
func (m *LagMonitor) All() []ReplicaHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ReplicaHealth, 0, len(m.replicas))
	for _, h := range m.replicas {
		out = append(out, *h)
	}
	sortHealth(out)
	return out
}

// IsHealthy reports whether a replica is monitored and not lagging.
func (m *LagMonitor) IsHealthy(shard, domain int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.replicas[key{shard, domain}]
	return ok && h.Status != StatusLagging
}

// PrometheusCollectors returns the monitor's lag gauge and nudge counter.
func (m *LagMonitor) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.lagGauge, m.nudges}
}
