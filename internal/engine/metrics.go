package engine

import (
	"time"

	"geyser-indexer-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection and drop reasons used as metric labels.
const (
	ReasonBackpressure      = "backpressure"
	ReasonInvalid           = "invalid"
	ReasonNotRunning        = "not_running"
	ReasonInternal          = "internal"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonPermanent         = "permanent"
	ReasonDroppedOnShutdown = "dropped_on_shutdown"
)

// Metrics holds all Prometheus metrics for one plugin instance. Each
// instance owns its registry so a reload never collides with the previous one.
type Metrics struct {
	Registry *prometheus.Registry

	NotificationsAccepted *prometheus.CounterVec
	NotificationsRejected *prometheus.CounterVec
	NotificationsFiltered *prometheus.CounterVec

	QueueDepth    *prometheus.GaugeVec
	BatchesSealed *prometheus.CounterVec

	BatchesWritten    *prometheus.CounterVec
	RecordsWritten    *prometheus.CounterVec
	BatchesDropped    *prometheus.CounterVec
	RecordsDropped    *prometheus.CounterVec
	WriteRetries      *prometheus.CounterVec
	WriteLatency      *prometheus.HistogramVec
	DeadSlotSkipped   *prometheus.CounterVec
	DeadLetterSpooled *prometheus.CounterVec
	PoolReconnects    *prometheus.CounterVec
	PoolHealthy       prometheus.Gauge
	PluginState       prometheus.Gauge
	HighestSlot       prometheus.Gauge
	HighestRootedSlot prometheus.Gauge
	IngestRate        prometheus.Gauge
	StartTime         prometheus.Gauge
}

// NewMetrics registers every metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		NotificationsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_notifications_accepted_total",
			Help: "Notifications accepted into the batch buffer",
		}, []string{"kind"}),
		NotificationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_notifications_rejected_total",
			Help: "Notifications rejected at the callback boundary",
		}, []string{"kind", "reason"}),
		NotificationsFiltered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_notifications_filtered_total",
			Help: "Notifications skipped by selectors or disabled kinds",
		}, []string{"kind"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geyser_queue_depth_records",
			Help: "Records accepted but not yet handed to a worker",
		}, []string{"kind"}),
		BatchesSealed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_batches_sealed_total",
			Help: "Batches sealed, by trigger",
		}, []string{"kind", "reason"}),

		BatchesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_batches_written_total",
			Help: "Batches committed to the store",
		}, []string{"kind"}),
		RecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_records_written_total",
			Help: "Records committed to the store",
		}, []string{"kind"}),
		BatchesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_batches_dropped_total",
			Help: "Batches abandoned without being committed",
		}, []string{"kind", "reason"}),
		RecordsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_records_dropped_total",
			Help: "Records abandoned without being committed",
		}, []string{"kind", "reason"}),
		WriteRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_write_retries_total",
			Help: "Write attempts retried after a transient failure",
		}, []string{"kind"}),
		WriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geyser_write_duration_seconds",
			Help:    "Duration of a successful batch write attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		DeadSlotSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_dead_slot_records_skipped_total",
			Help: "Records excluded at write time because their slot is dead",
		}, []string{"kind"}),
		DeadLetterSpooled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_dead_letter_batches_total",
			Help: "Dropped batches written to the dead-letter spool",
		}, []string{"kind"}),
		PoolReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geyser_pool_reconnects_total",
			Help: "Slot reconnect attempts by result",
		}, []string{"result"}),
		PoolHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "geyser_pool_healthy",
			Help: "1 while the connection pool is healthy",
		}),
		PluginState: f.NewGauge(prometheus.GaugeOpts{
			Name: "geyser_plugin_state",
			Help: "Lifecycle state: 0=stopped 1=starting 2=running 3=stopping 4=crashed",
		}),
		HighestSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "geyser_highest_slot_seen",
			Help: "Highest slot seen on any notification",
		}),
		HighestRootedSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "geyser_highest_rooted_slot",
			Help: "Highest slot reported rooted",
		}),
		IngestRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "geyser_ingest_rate",
			Help: "Accepted notifications per second, 5s window",
		}),
		StartTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "geyser_start_time_seconds",
			Help: "Unix time the plugin was loaded",
		}),
	}
}

func (m *Metrics) RecordAccepted(kind models.Kind) {
	m.NotificationsAccepted.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordRejected(kind models.Kind, reason string) {
	m.NotificationsRejected.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) RecordFiltered(kind models.Kind) {
	m.NotificationsFiltered.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) UpdateQueueDepth(kind models.Kind, depth int) {
	m.QueueDepth.WithLabelValues(kind.String()).Set(float64(depth))
}

func (m *Metrics) RecordSealed(b *Batch) {
	m.BatchesSealed.WithLabelValues(b.Kind.String(), string(b.SealReason)).Inc()
}

// RecordWritten records a committed batch and the attempt's duration.
func (m *Metrics) RecordWritten(b *Batch, d time.Duration) {
	k := b.Kind.String()
	m.BatchesWritten.WithLabelValues(k).Inc()
	m.RecordsWritten.WithLabelValues(k).Add(float64(len(b.Records)))
	m.WriteLatency.WithLabelValues(k).Observe(d.Seconds())
}

func (m *Metrics) RecordDropped(b *Batch, reason string) {
	k := b.Kind.String()
	m.BatchesDropped.WithLabelValues(k, reason).Inc()
	m.RecordsDropped.WithLabelValues(k, reason).Add(float64(len(b.Records)))
}

func (m *Metrics) RecordRetry(kind models.Kind) {
	m.WriteRetries.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordDeadSlotSkipped(kind models.Kind, n int) {
	m.DeadSlotSkipped.WithLabelValues(kind.String()).Add(float64(n))
}

func (m *Metrics) RecordReconnect(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.PoolReconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPoolHealthy(healthy bool) {
	if healthy {
		m.PoolHealthy.Set(1)
		return
	}
	m.PoolHealthy.Set(0)
}

func (m *Metrics) RecordStartTime() {
	m.StartTime.Set(float64(time.Now().Unix()))
}
