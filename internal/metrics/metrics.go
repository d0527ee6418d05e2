// Package metrics exposes the pipeline's Prometheus collectors,
// ported from
// _examples/original_source/src/monitoring/metrics.py's module-level
// Counter/Gauge/Histogram definitions into a constructor-registers-
// everything collector, the pattern used by
// _examples/infodancer-pop3d/internal/metrics/prometheus.go.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric named in spec.md §6.
type Collector struct {
	EmailsProduced        prometheus.Counter
	EmailsProcessed       prometheus.Counter
	EmailsFailed          prometheus.Counter
	DLQMessages           prometheus.Counter
	BackoffRetries        prometheus.Counter
	IdempotencyDuplicates prometheus.Counter
	OrphanMessagesClaimed prometheus.Counter
	IMAPPolls             prometheus.Counter

	ProcessingLatency prometheus.Histogram
	IMAPPollDuration  prometheus.Histogram

	StreamDepth     *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
	ConsumerPending *prometheus.GaugeVec
	DLQDepth        prometheus.Gauge
	Uptime          prometheus.Gauge
	ActiveWorkers   prometheus.Gauge

	startedAt time.Time
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		startedAt: time.Now(),

		EmailsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_emails_produced_total",
			Help: "Total emails produced into the stream store.",
		}),
		EmailsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_emails_processed_total",
			Help: "Total emails processed successfully by workers.",
		}),
		EmailsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_emails_failed_total",
			Help: "Total emails that failed processing.",
		}),
		DLQMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_dlq_messages_total",
			Help: "Messages routed to the dead-letter stream.",
		}),
		BackoffRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_backoff_retries_total",
			Help: "Retry attempts due to transient errors.",
		}),
		IdempotencyDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_idempotency_duplicates_total",
			Help: "Entries skipped as already-processed duplicates.",
		}),
		OrphanMessagesClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_orphan_messages_claimed_total",
			Help: "Pending entries reclaimed from a dead consumer by orphan recovery.",
		}),
		IMAPPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_ingestion_imap_polls_total",
			Help: "Total IMAP poll cycles run by the producer.",
		}),
		ProcessingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "email_ingestion_processing_latency_seconds",
			Help:    "End-to-end processing latency.",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		IMAPPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "email_ingestion_imap_poll_duration_seconds",
			Help:    "IMAP polling duration per batch.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
		}),
		StreamDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_ingestion_stream_depth",
			Help: "Current stream length.",
		}, []string{"stream"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_ingestion_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		}, []string{"name"}),
		ConsumerPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_ingestion_consumer_pending_entries",
			Help: "Pending (unacked) entries observed in the last orphan sweep.",
		}, []string{"stream", "group"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_ingestion_dlq_depth",
			Help: "Current dead-letter stream length.",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_ingestion_uptime_seconds",
			Help: "Seconds since this process's metrics collector was constructed.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_ingestion_active_workers",
			Help: "Number of consumer-group worker loops currently running in this process.",
		}),
	}

	reg.MustRegister(
		c.EmailsProduced,
		c.EmailsProcessed,
		c.EmailsFailed,
		c.DLQMessages,
		c.BackoffRetries,
		c.IdempotencyDuplicates,
		c.OrphanMessagesClaimed,
		c.IMAPPolls,
		c.ProcessingLatency,
		c.IMAPPollDuration,
		c.StreamDepth,
		c.BreakerState,
		c.ConsumerPending,
		c.DLQDepth,
		c.Uptime,
		c.ActiveWorkers,
	)

	return c
}

// ObserveProcessingLatency records seconds against ProcessingLatency.
func (c *Collector) ObserveProcessingLatency(d time.Duration) {
	c.ProcessingLatency.Observe(d.Seconds())
}

// ObserveIMAPPollDuration records seconds against IMAPPollDuration.
func (c *Collector) ObserveIMAPPollDuration(d time.Duration) {
	c.IMAPPollDuration.Observe(d.Seconds())
}

// SetStreamDepth records the current length of stream.
func (c *Collector) SetStreamDepth(stream string, length int64) {
	c.StreamDepth.WithLabelValues(stream).Set(float64(length))
}

// SetBreakerState records a breaker's numeric state (0/1/2).
func (c *Collector) SetBreakerState(name string, state int) {
	c.BreakerState.WithLabelValues(name).Set(float64(state))
}

// SetConsumerPending records the pending-entry count observed for a
// (stream, group) pair.
func (c *Collector) SetConsumerPending(stream, group string, n int) {
	c.ConsumerPending.WithLabelValues(stream, group).Set(float64(n))
}

// SetDLQDepth records the current dead-letter stream length.
func (c *Collector) SetDLQDepth(n int64) {
	c.DLQDepth.Set(float64(n))
}

// RefreshUptime sets Uptime to the elapsed time since New.
func (c *Collector) RefreshUptime() {
	c.Uptime.Set(time.Since(c.startedAt).Seconds())
}

// SetActiveWorkers records how many consumer-group worker loops are
// currently running in this process.
func (c *Collector) SetActiveWorkers(n int) {
	c.ActiveWorkers.Set(float64(n))
}
