// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shirou/gopsutil/v3/process"
)

const namespace = "pcaphar"

// Stats tracks conversion counters and process self-metrics. A nil *Stats is
// valid and records nothing.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry

	conversions   *prometheus.CounterVec
	duration      prometheus.Histogram
	records       prometheus.Counter
	transactions  prometheus.Counter
	incomplete    prometheus.Counter
	retransmits   prometheus.Counter
	gaps          prometheus.Counter
	enriched      *prometheus.CounterVec
	feedErrors    *prometheus.CounterVec
	spansExported prometheus.Counter
	spansDropped  prometheus.Counter
}

// Run summarizes one conversion.
type Run struct {
	Records      int64
	Transactions int64
	Incomplete   int64
	Retransmits  int64
	Gaps         int64
	// Enriched maps a pass name to the number of sides it changed.
	Enriched map[string]int
	Duration time.Duration
	Failed   bool
}

// NewStats creates a registry with all pcaphar collectors registered.
func NewStats() *Stats {
	r := prometheus.NewRegistry()
	s := &Stats{
		startTime: time.Now(),
		registry:  r,
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Capture conversions by result",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Wall time of one conversion",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_records_total",
			Help:      "Packet records read",
		}),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "HTTP transactions emitted as HAR entries",
		}),
		incomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_incomplete_total",
			Help:      "Transactions carrying at least one anomaly",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_retransmits_total",
			Help:      "Duplicate TCP segments dropped",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_gaps_total",
			Help:      "Sequence holes skipped",
		}),
		enriched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enriched_sides_total",
			Help:      "Requests or responses changed by an enrichment pass",
		}, []string{"pass"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Enrichment feeds that could not be read",
		}, []string{"feed"}),
		spansExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_exported_total",
			Help:      "Entries exported as OTLP spans",
		}),
		spansDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_dropped_total",
			Help:      "Spans that failed to export",
		}),
	}
	r.MustRegister(
		s.conversions, s.duration, s.records, s.transactions, s.incomplete,
		s.retransmits, s.gaps, s.enriched, s.feedErrors, s.spansExported, s.spansDropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		}, func() float64 { return s.Uptime().Seconds() }),
		collectors.NewGoCollector(),
		newSelfCollector(),
	)
	return s
}

// Registry exposes the underlying registry for HTTP serving.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Uptime returns process uptime.
func (s *Stats) Uptime() time.Duration {
	if s == nil {
		return 0
	}
	return time.Since(s.startTime)
}

// ObserveRun records the counters of one conversion.
func (s *Stats) ObserveRun(run Run) {
	if s == nil {
		return
	}
	result := "ok"
	if run.Failed {
		result = "error"
	}
	s.conversions.WithLabelValues(result).Inc()
	s.duration.Observe(run.Duration.Seconds())
	s.records.Add(float64(run.Records))
	s.transactions.Add(float64(run.Transactions))
	s.incomplete.Add(float64(run.Incomplete))
	s.retransmits.Add(float64(run.Retransmits))
	s.gaps.Add(float64(run.Gaps))
	for pass, n := range run.Enriched {
		s.enriched.WithLabelValues(pass).Add(float64(n))
	}
}

// FeedError counts an unreadable enrichment feed.
func (s *Stats) FeedError(feed string) {
	if s == nil {
		return
	}
	s.feedErrors.WithLabelValues(feed).Inc()
}

// SpansExported counts spans accepted by the collector.
func (s *Stats) SpansExported(n int) {
	if s == nil {
		return
	}
	s.spansExported.Add(float64(n))
}

// SpansDropped counts spans lost to export failures.
func (s *Stats) SpansDropped(n int) {
	if s == nil {
		return
	}
	s.spansDropped.Add(float64(n))
}

// WriteTextfile writes every metric to path in the text exposition format,
// for the node_exporter textfile collector.
func (s *Stats) WriteTextfile(path string) error {
	if s == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, s.registry)
}

// selfCollector reports resource usage of this process via gopsutil.
type selfCollector struct {
	proc    *process.Process
	rss     *prometheus.Desc
	cpu     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

func newSelfCollector() *selfCollector {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &selfCollector{
		proc:    proc,
		rss:     prometheus.NewDesc(namespace+"_process_memory_rss_bytes", "Resident memory of pcaphar", nil, nil),
		cpu:     prometheus.NewDesc(namespace+"_process_cpu_utilization", "CPU utilization of pcaphar (0-1 per core)", nil, nil),
		threads: prometheus.NewDesc(namespace+"_process_threads", "OS threads of pcaphar", nil, nil),
		fds:     prometheus.NewDesc(namespace+"_process_open_fds", "Open file descriptors of pcaphar", nil, nil),
	}
}

func (c *selfCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rss
	ch <- c.cpu
	ch <- c.threads
	ch <- c.fds
}

// Collect skips any value gopsutil cannot read on this platform.
func (c *selfCollector) Collect(ch chan<- prometheus.Metric) {
	if c.proc == nil {
		return
	}
	if mem, err := c.proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mem.RSS))
	}
	if pct, err := c.proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, pct/100)
	}
	if n, err := c.proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n))
	}
	if n, err := c.proc.NumFDs(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(n))
	}
}
