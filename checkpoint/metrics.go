package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tursodatabase/libsql-sub004/walmetrics"
)

type metrics struct {
	backfilledFramesTotal prometheus.Counter
	errorsTotal           prometheus.Counter
	inProgressGauge       prometheus.Gauge
	scheduledGauge        prometheus.Gauge
	durationSeconds       prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	reg = walmetrics.With(reg)
	return &metrics{
		backfilledFramesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "checkpoint",
			Name:      "backfilled_frames_total",
			Help:      "checkpoint_backfilled_frames_total counts frames applied to main database files across all namespaces.",
		}),
		errorsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "checkpoint",
			Name:      "errors_total",
			Help:      "checkpoint_errors_total counts failed per-namespace checkpoint attempts.",
		}),
		inProgressGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "checkpoint",
			Name:      "in_progress",
			Help:      "checkpoint_in_progress is the number of namespaces currently being checkpointed.",
		}),
		scheduledGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "checkpoint",
			Name:      "scheduled",
			Help:      "checkpoint_scheduled is the number of namespaces waiting for a checkpoint slot.",
		}),
		durationSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "checkpoint",
			Name:      "duration_seconds",
			Help:      "checkpoint_duration_seconds observes how long one namespace's checkpoint body takes.",
		}),
	}
}
