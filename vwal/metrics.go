package vwal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tursodatabase/libsql-sub004/walmetrics"
)

type metrics struct {
	rotations      prometheus.Counter
	writeConflicts prometheus.Counter
	readTxnsTotal  prometheus.Counter
	writeTxnsTotal prometheus.Counter
	framesInserted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	reg = walmetrics.With(reg)
	return &metrics{
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "vwal",
			Name:      "segment_rotations_total",
			Help:      "vwal_segment_rotations_total counts current-segment seal/rotate events.",
		}),
		writeConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "vwal",
			Name:      "write_conflicts_total",
			Help:      "vwal_write_conflicts_total counts begin_write_txn calls that found the writer slot already held.",
		}),
		readTxnsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "vwal",
			Name:      "read_txns_total",
			Help:      "vwal_read_txns_total counts begin_read_txn calls.",
		}),
		writeTxnsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "vwal",
			Name:      "write_txns_total",
			Help:      "vwal_write_txns_total counts begin_write_txn calls that acquired the writer slot.",
		}),
		framesInserted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "vwal",
			Name:      "frames_inserted_total",
			Help:      "vwal_frames_inserted_total counts new frames appended via insert_frames, committed or not.",
		}),
	}
}
