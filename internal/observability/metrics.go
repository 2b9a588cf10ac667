// Package observability exposes Prometheus metrics and the operational
// HTTP server (/healthz, /metrics, optional pprof).
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the bot's collectors. A nil *Metrics is valid and records
// nothing, so components can be built without observability in tests.
type Metrics struct {
	reg prometheus.Gatherer

	deliveries      *prometheus.CounterVec
	deliveryRetries prometheus.Counter
	chunkSize       prometheus.Histogram

	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	tickJobs     *prometheus.CounterVec

	conversations *prometheus.CounterVec
	jobsCreated   prometheus.Counter
	quotaRejected prometheus.Counter

	updatesDropped prometheus.Counter
	keepalive      *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry together with
// the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newMetrics(reg, reg)
}

func newMetrics(r prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		reg: g,
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronbot_deliveries_total",
				Help: "Message deliveries by final outcome",
			},
			[]string{"outcome"},
		),
		deliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronbot_delivery_retries_total",
			Help: "Send attempts beyond the first",
		}),
		chunkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cronbot_dispatch_chunk_size",
			Help:    "Jobs per dispatch chunk",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronbot_ticks_total",
				Help: "Scheduler ticks by result",
			},
			[]string{"result"},
		),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cronbot_tick_duration_seconds",
			Help:    "Wall time of a scheduler tick",
			Buckets: prometheus.DefBuckets,
		}),
		tickJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronbot_tick_jobs_total",
				Help: "Per-job tick outcomes",
			},
			[]string{"outcome"},
		),
		conversations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronbot_conversations_total",
				Help: "Finished authoring conversations by result",
			},
			[]string{"result"},
		),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronbot_jobs_created_total",
			Help: "Jobs persisted",
		}),
		quotaRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronbot_quota_rejections_total",
			Help: "Jobs rejected by the per-owner limit",
		}),
		updatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronbot_updates_dropped_total",
			Help: "Inbound updates dropped because the queue was full",
		}),
		keepalive: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronbot_keepalive_total",
				Help: "Keep-alive pings by result",
			},
			[]string{"result"},
		),
	}
	r.MustRegister(
		m.deliveries, m.deliveryRetries, m.chunkSize,
		m.ticks, m.tickDuration, m.tickJobs,
		m.conversations, m.jobsCreated, m.quotaRejected,
		m.updatesDropped, m.keepalive,
	)
	return m
}

// Gatherer returns the registry backing /metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

func (m *Metrics) Delivery(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	if attempts > 1 {
		m.deliveryRetries.Add(float64(attempts - 1))
	}
}

func (m *Metrics) Chunk(size int) {
	if m == nil {
		return
	}
	m.chunkSize.Observe(float64(size))
}

func (m *Metrics) Tick(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	if d > 0 {
		m.tickDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) TickJob(outcome string) {
	if m == nil {
		return
	}
	m.tickJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Conversation(result string) {
	if m == nil {
		return
	}
	m.conversations.WithLabelValues(result).Inc()
}

func (m *Metrics) JobsCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsCreated.Add(float64(n))
}

func (m *Metrics) QuotaRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.quotaRejected.Add(float64(n))
}

func (m *Metrics) UpdateDropped() {
	if m == nil {
		return
	}
	m.updatesDropped.Inc()
}

func (m *Metrics) KeepAlive(result string) {
	if m == nil {
		return
	}
	m.keepalive.WithLabelValues(result).Inc()
}
