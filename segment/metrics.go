// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tursodatabase/libsql-sub004/walmetrics"
)

type metrics struct {
	framesAppended   prometheus.Counter
	framesOverwritten prometheus.Counter
	bytesWritten     prometheus.Counter
	commits          prometheus.Counter
	seals            prometheus.Counter
	lookups          prometheus.Counter
	lookupMisses     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	reg = walmetrics.With(reg)
	return &metrics{
		framesAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "segment",
			Name:      "frames_appended_total",
			Help:      "frames_appended_total counts new frames appended to the current segment.",
		}),
		framesOverwritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "segment",
			Name:      "frames_overwritten_total",
			Help:      "frames_overwritten_total counts in-place payload overwrites of a page already staged in the current write transaction.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "segment",
			Name:      "bytes_written_total",
			Help:      "bytes_written_total counts page payload bytes written to the current segment.",
		}),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "segment",
			Name:      "commits_total",
			Help:      "commits_total counts completed commit batches.",
		}),
		seals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "segment",
			Name:      "seals_total",
			Help:      "seals_total counts how many times a current segment was sealed.",
		}),
		lookups: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "segment",
			Name:      "lookups_total",
			Help:      "lookups_total counts page lookups served by a segment's index.",
		}),
		lookupMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: walmetrics.Namespace,
			Subsystem: "segment",
			Name:      "lookup_misses_total",
			Help:      "lookup_misses_total counts page lookups that missed a segment's index.",
		}),
	}
}
