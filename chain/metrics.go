package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tursodatabase/libsql-sub004/walmetrics"
)

type metrics struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	sealedSegments prometheus.Gauge
	retirements    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	reg = walmetrics.With(reg)
	return &metrics{
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "chain",
			Name:      "read_hits_total",
			Help:      "read_hits_total counts page reads resolved by a segment in the chain.",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "chain",
			Name:      "read_misses_total",
			Help:      "read_misses_total counts page reads not found in any segment (fall through to the main database file).",
		}),
		sealedSegments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "chain",
			Name:      "sealed_segments",
			Help:      "sealed_segments is the current number of sealed segments retained in the chain.",
		}),
		retirements: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "chain",
			Name:      "retirements_total",
			Help:      "retirements_total counts sealed segments retired (dropped from the chain) by the checkpointer.",
		}),
	}
}
