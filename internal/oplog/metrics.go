package oplog

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "noderep"
	subsystem = "log"
)

// logCollector reads the log's cursors at scrape time so the append path
// never touches a metric.
type logCollector[T any] struct {
	log *Log[T]

	tail      *prometheus.Desc
	head      *prometheus.Desc
	ctail     *prometheus.Desc
	window    *prometheus.Desc
	capacity  *prometheus.Desc
	localTail *prometheus.Desc
	stalls    *prometheus.Desc
	grows     *prometheus.Desc
}

func newLogCollector[T any](l *Log[T]) *logCollector[T] {
	labels := prometheus.Labels{"log": strconv.Itoa(l.id)}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, variable, labels)
	}

	return &logCollector[T]{
		log:       l,
		tail:      desc("tail", "Next logical offset to be reserved"),
		head:      desc("head", "Offset below which entries are reclaimable"),
		ctail:     desc("completed_tail", "Highest offset fully applied by some replica"),
		window:    desc("window_entries", "Admissible distance between head and tail"),
		capacity:  desc("capacity_entries", "Size of the ring, the bound on the window"),
		localTail: desc("replica_local_tail", "Offset each replica has replayed up to", "replica"),
		stalls:    desc("full_stalls_total", "Appends that found the log full and had to wait"),
		grows:     desc("window_grows_total", "Times the window was doubled instead of stalling"),
	}
}

// Describe implements prometheus.Collector.
func (c *logCollector[T]) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tail
	ch <- c.head
	ch <- c.ctail
	ch <- c.window
	ch <- c.capacity
	ch <- c.localTail
	ch <- c.stalls
	ch <- c.grows
}

// Collect implements prometheus.Collector.
func (c *logCollector[T]) Collect(ch chan<- prometheus.Metric) {
	l := c.log
	ch <- prometheus.MustNewConstMetric(c.tail, prometheus.GaugeValue, float64(l.Tail()))
	ch <- prometheus.MustNewConstMetric(c.head, prometheus.GaugeValue, float64(l.Head()))
	ch <- prometheus.MustNewConstMetric(c.ctail, prometheus.GaugeValue, float64(l.CompletedTail()))
	ch <- prometheus.MustNewConstMetric(c.window, prometheus.GaugeValue, float64(l.Window()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(l.Capacity()))
	for _, id := range l.Replicas() {
		ch <- prometheus.MustNewConstMetric(c.localTail, prometheus.GaugeValue,
			float64(l.LocalTail(id)), strconv.Itoa(int(id)))
	}
	ch <- prometheus.MustNewConstMetric(c.stalls, prometheus.CounterValue, float64(l.stalls.Load()))
	ch <- prometheus.MustNewConstMetric(c.grows, prometheus.CounterValue, float64(l.grows.Load()))
}

// PrometheusCollectors returns the collectors exposing this log's state.
// Each log carries its id as a constant label, so several logs can share a registry.
func (l *Log[T]) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{newLogCollector(l)}
}

// Stalls returns how many appends found the log full.
func (l *Log[T]) Stalls() uint64 { return l.stalls.Load() }

// Grows returns how many times the window was doubled.
func (l *Log[T]) Grows() uint64 { return l.grows.Load() }
