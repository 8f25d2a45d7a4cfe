// Package walmetrics centralizes the prometheus naming convention shared by
// every component package's own metrics.go, mirroring the teacher's single
// walMetrics struct but split one subsystem per component.
package walmetrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace is the prometheus metric namespace shared by all subsystems.
const Namespace = "libsql_wal"

// With returns reg unchanged if non-nil, otherwise a fresh private registry
// that nothing exports, so a nil registerer leaves metrics unpublished.
// Every component's metrics constructor takes a prometheus.Registerer this
// way so callers can pass nil in tests without nil-checking everywhere, and
// repeated nil callers never collide on the same metric names.
func With(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.NewRegistry()
	}
	return reg
}
