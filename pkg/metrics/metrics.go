// Package metrics exposes the pipeline's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one export run. Constructed once and
// passed into the pipeline rather than registered globally, so parallel
// runs in one process do not collide.
type Metrics struct {
	RecordsProduced prometheus.Counter
	RecordsConsumed prometheus.Counter
	BytesConsumed   prometheus.Counter
	FilesFinalized  prometheus.Counter
	LiveConsumers   prometheus.Gauge
	ConsumerDelta   prometheus.Gauge
	QueueBytes      prometheus.Gauge
}

// New creates and registers the run's collectors on the given registerer.
func New(reg prometheus.Registerer, export string) *Metrics {
	labels := prometheus.Labels{"export": export}

	m := &Metrics{
		RecordsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quasar_records_produced_total",
			Help:        "Records read from the source and enqueued.",
			ConstLabels: labels,
		}),
		RecordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quasar_records_consumed_total",
			Help:        "Records transformed and handed to the sink.",
			ConstLabels: labels,
		}),
		BytesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quasar_bytes_consumed_total",
			Help:        "Estimated record-batch bytes drained from the queue.",
			ConstLabels: labels,
		}),
		FilesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quasar_files_finalized_total",
			Help:        "Output files finalized at the sink.",
			ConstLabels: labels,
		}),
		LiveConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quasar_live_consumers",
			Help:        "Consumers currently running in the pool.",
			ConstLabels: labels,
		}),
		ConsumerDelta: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quasar_consumer_delta",
			Help:        "Last consumer delta computed by the scaler (may be negative).",
			ConstLabels: labels,
		}),
		QueueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quasar_queue_bytes",
			Help:        "Estimated bytes held in the record batch queue.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsProduced, m.RecordsConsumed, m.BytesConsumed,
			m.FilesFinalized, m.LiveConsumers, m.ConsumerDelta, m.QueueBytes,
		)
	}
	return m
}

// Nop returns unregistered collectors for tests.
func Nop() *Metrics {
	return New(nil, "test")
}
