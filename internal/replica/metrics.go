package replica

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counters are updated with plain atomic adds on the hot path and exported
// through Stats and the Prometheus collector.
type counters struct {
	combines       atomic.Uint64
	appended       atomic.Uint64
	applied        atomic.Uint64
	appendFailures atomic.Uint64
	reads          atomic.Uint64
	commutative    atomic.Uint64
	fallbacks      atomic.Uint64
	maxBatch       atomic.Uint64
}

// observeBatch records a batch size. Only the combiner calls it.
func (c *counters) observeBatch(n int) {
	if uint64(n) > c.maxBatch.Load() {
		c.maxBatch.Store(uint64(n))
	}
}

// Stats is a point-in-time snapshot of a replica's counters.
type Stats struct {
	Replica          int    `json:"replica"`
	Domain           int    `json:"domain"`
	Registered       int    `json:"registered"`
	LocalTail        uint64 `json:"local_tail"`
	Lag              uint64 `json:"lag"`
	Combines         uint64 `json:"combines"`
	Appended         uint64 `json:"appended"`
	Applied          uint64 `json:"applied"`
	AppendFailures   uint64 `json:"append_failures"`
	Reads            uint64 `json:"reads"`
	CommutativeReads uint64 `json:"commutative_reads"`
	Fallbacks        uint64 `json:"commutative_fallbacks"`
	MaxBatch         uint64 `json:"max_batch"`
}

// AvgBatch returns the mean number of operations per combining round.
func (s Stats) AvgBatch() float64 {
	if s.Combines == 0 {
		return 0
	}
	return float64(s.Appended) / float64(s.Combines)
}

// Stats returns a snapshot of the replica's counters.
func (r *Replica[W, R, Res]) Stats() Stats {
	return Stats{
		Replica:          int(r.id),
		Domain:           r.domain,
		Registered:       r.Registered(),
		LocalTail:        r.log.LocalTail(r.id),
		Lag:              r.log.Lag(r.id),
		Combines:         r.stats.combines.Load(),
		Appended:         r.stats.appended.Load(),
		Applied:          r.stats.applied.Load(),
		AppendFailures:   r.stats.appendFailures.Load(),
		Reads:            r.stats.reads.Load(),
		CommutativeReads: r.stats.commutative.Load(),
		Fallbacks:        r.stats.fallbacks.Load(),
		MaxBatch:         r.stats.maxBatch.Load(),
	}
}

type replicaCollector[W, R, Res any] struct {
	r *Replica[W, R, Res]

	registered  *prometheus.Desc
	lag         *prometheus.Desc
	combines    *prometheus.Desc
	appended    *prometheus.Desc
	applied     *prometheus.Desc
	failures    *prometheus.Desc
	reads       *prometheus.Desc
	commutative *prometheus.Desc
	fallbacks   *prometheus.Desc
}

func newReplicaCollector[W, R, Res any](r *Replica[W, R, Res]) *replicaCollector[W, R, Res] {
	labels := prometheus.Labels{
		"log":     strconv.Itoa(r.log.ID()),
		"replica": strconv.Itoa(int(r.id)),
		"domain":  strconv.Itoa(r.domain),
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("noderep", "replica", name), help, nil, labels)
	}
	return &replicaCollector[W, R, Res]{
		r:           r,
		registered:  desc("registered_threads", "Thread slots currently taken"),
		lag:         desc("lag_entries", "Entries appended to the log but not yet applied locally"),
		combines:    desc("combines_total", "Combining rounds that appended a batch"),
		appended:    desc("appended_ops_total", "Operations this replica appended to the log"),
		applied:     desc("applied_ops_total", "Log entries applied to the local copy"),
		failures:    desc("append_failures_total", "Batches rejected because the log stayed full"),
		reads:       desc("reads_total", "Read-only operations served after catching up"),
		commutative: desc("commutative_reads_total", "Reads served without catching up"),
		fallbacks:   desc("commutative_fallbacks_total", "Commutative reads that had to catch up"),
	}
}

// Describe implements prometheus.Collector.
func (c *replicaCollector[W, R, Res]) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.registered, c.lag, c.combines, c.appended, c.applied,
		c.failures, c.reads, c.commutative, c.fallbacks,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *replicaCollector[W, R, Res]) Collect(ch chan<- prometheus.Metric) {
	s := c.r.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.registered, float64(s.Registered))
	gauge(c.lag, float64(s.Lag))
	counter(c.combines, s.Combines)
	counter(c.appended, s.Appended)
	counter(c.applied, s.Applied)
	counter(c.failures, s.AppendFailures)
	counter(c.reads, s.Reads)
	counter(c.commutative, s.CommutativeReads)
	counter(c.fallbacks, s.Fallbacks)
}

// PrometheusCollectors returns the collectors exposing this replica's counters.
func (r *Replica[W, R, Res]) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{newReplicaCollector(r)}
}
