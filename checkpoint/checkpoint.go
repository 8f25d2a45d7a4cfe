// Package checkpoint implements the checkpointer (spec §4.6, C6): a single
// long-running task that applies durable frames from sealed segments into
// the main database file and retires fully-applied segments, serialised per
// database and bounded in global concurrency.
//
// The scheduling loop (scheduled/in-progress sets, bounded concurrency,
// consecutive-error threshold, drain-to-empty shutdown) is carried over
// structurally from the original `libsql-wal` Rust checkpointer
// (_examples/original_source/libsql-wal/src/checkpointer.rs), translated
// from tokio::select!/JoinSet to goroutines, channels and a WaitGroup.
package checkpoint

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultErrorThreshold mirrors the original's CHECKPOINTER_ERROR_THRES.
const DefaultErrorThreshold = 16

type result struct {
	ns         string
	backfilled uint32
	err        error
}

// Checkpointer is the single scheduler described by spec §4.6.
type Checkpointer struct {
	backend        Backend
	notify         <-chan string
	maxConcurrency int
	errorThreshold int
	logger         log.Logger
	m              *metrics

	scheduled  map[string]struct{}
	inProgress map[string]struct{}
	shutting   bool
	errCount   int
	halted     bool

	results chan result
}

// New constructs a Checkpointer. notify carries namespace names whenever a
// change to that namespace could trigger a checkpoint; closing it begins
// shutdown (spec §4.6 "Shutdown").
func New(backend Backend, notify <-chan string, maxConcurrency int, logger log.Logger, reg prometheus.Registerer) *Checkpointer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Checkpointer{
		backend:        backend,
		notify:         notify,
		maxConcurrency: maxConcurrency,
		errorThreshold: DefaultErrorThreshold,
		logger:         logger,
		m:              newMetrics(reg),
		scheduled:      make(map[string]struct{}),
		inProgress:     make(map[string]struct{}),
		results:        make(chan result, maxConcurrency),
	}
}

// WithErrorThreshold overrides DefaultErrorThreshold.
func (cp *Checkpointer) WithErrorThreshold(n int) *Checkpointer {
	cp.errorThreshold = n
	return cp
}

// Run drives the scheduling loop until notify is closed and every scheduled
// and in-progress namespace has drained (spec §4.6/§4.7 "Shutdown"). When
// halted, new work stops being admitted but Run keeps draining in-flight
// tasks and observing notify. A failed namespace is put back in the
// scheduled set, so once halted the scheduled set is never empty and Run
// does not return, even after notify is closed.
func (cp *Checkpointer) Run() {
	notify := cp.notify
	for {
		cp.scheduleAvailable()
		if cp.shouldExit() {
			return
		}
		select {
		case res := <-cp.results:
			cp.handleResult(res)
		case ns, ok := <-notify:
			if !ok {
				cp.shutting = true
				notify = nil
				continue
			}
			cp.scheduled[ns] = struct{}{}
		}
	}
}

func (cp *Checkpointer) shouldExit() bool {
	return cp.shutting && len(cp.scheduled) == 0 && len(cp.inProgress) == 0
}

// Step runs one iteration of the scheduling loop synchronously: it consumes
// at most one pending notification and at most one finished task result,
// then admits whatever new work current concurrency allows. Used by tests
// that need deterministic control over scheduling (mirroring the
// original's `step()` test seam).
func (cp *Checkpointer) Step() {
	select {
	case ns, ok := <-cp.notify:
		if !ok {
			cp.shutting = true
		} else {
			cp.scheduled[ns] = struct{}{}
		}
	default:
	}
	select {
	case res := <-cp.results:
		cp.handleResult(res)
	default:
	}
	cp.scheduleAvailable()
}

func (cp *Checkpointer) scheduleAvailable() {
	if cp.halted {
		return
	}
	avail := cp.maxConcurrency - len(cp.inProgress)
	if avail <= 0 {
		return
	}
	started := 0
	for ns := range cp.scheduled {
		if _, inprog := cp.inProgress[ns]; inprog {
			continue
		}
		delete(cp.scheduled, ns)
		cp.inProgress[ns] = struct{}{}
		go cp.runTask(ns)
		started++
		if started >= avail {
			break
		}
	}
	cp.m.inProgressGauge.Set(float64(len(cp.inProgress)))
	cp.m.scheduledGauge.Set(float64(len(cp.scheduled)))
}

func (cp *Checkpointer) runTask(ns string) {
	backfilled, _, err := cp.backend.Checkpoint(ns, Passive, nil)
	cp.results <- result{ns: ns, backfilled: backfilled, err: err}
}

func (cp *Checkpointer) handleResult(res result) {
	delete(cp.inProgress, res.ns)
	if res.err != nil {
		cp.errCount++
		cp.scheduled[res.ns] = struct{}{}
		level.Error(cp.logger).Log("msg", "error checkpointing namespace, rescheduling", "namespace", res.ns, "err", res.err)
		cp.m.errorsTotal.Inc()
		if cp.errCount > cp.errorThreshold {
			cp.halted = true
			level.Error(cp.logger).Log("msg", "checkpointer halted: too many consecutive errors", "errors", cp.errCount)
		}
		return
	}
	cp.errCount = 0
	cp.m.backfilledFramesTotal.Add(float64(res.backfilled))
}

// Scheduled reports whether namespace is currently queued for checkpoint.
func (cp *Checkpointer) Scheduled(ns string) bool {
	_, ok := cp.scheduled[ns]
	return ok
}

// InProgress reports whether namespace currently has a checkpoint task
// running.
func (cp *Checkpointer) InProgress(ns string) bool {
	_, ok := cp.inProgress[ns]
	return ok
}

// Errors returns the current consecutive-error count.
func (cp *Checkpointer) Errors() int { return cp.errCount }

// Halted reports whether the checkpointer has stopped admitting new work
// after exceeding its error threshold.
func (cp *Checkpointer) Halted() bool { return cp.halted }
