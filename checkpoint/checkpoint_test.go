package checkpoint

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeBackend struct {
	mu       sync.Mutex
	called   map[string]int
	block    chan struct{} // if non-nil, Checkpoint blocks on it before returning
	err      error
	released sync.WaitGroup
}

func (f *fakeBackend) Checkpoint(ns string, mode Mode, busy BusyHandler) (uint32, uint32, error) {
	f.mu.Lock()
	if f.called == nil {
		f.called = make(map[string]int)
	}
	f.called[ns]++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return 1, 0, f.err
}

func (f *fakeBackend) callCount(ns string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called[ns]
}

func TestProcessCheckpoint(t *testing.T) {
	backend := &fakeBackend{}
	notify := make(chan string, 8)
	cp := New(backend, notify, 5, nil, nil)

	notify <- "test"
	cp.Step()
	require.True(t, cp.InProgress("test"))

	// Drain the result.
	cp.waitForResult(t)
	require.False(t, cp.InProgress("test"))
	require.False(t, cp.Scheduled("test"))
	require.Equal(t, 1, backend.callCount("test"))
}

func TestCheckpointError(t *testing.T) {
	backend := &fakeBackend{err: errBoom}
	notify := make(chan string, 8)
	cp := New(backend, notify, 5, nil, nil)

	notify <- "test"
	cp.Step()
	require.Equal(t, 0, cp.Errors())
	require.True(t, cp.InProgress("test"))

	cp.waitForResult(t)
	// Job is re-enqueued on error.
	require.True(t, cp.Scheduled("test"))
	require.False(t, cp.InProgress("test"))
	require.Equal(t, 1, cp.Errors())
}

func TestCheckpointerShutdown(t *testing.T) {
	backend := &fakeBackend{}
	notify := make(chan string)
	cp := New(backend, notify, 5, nil, nil)

	close(notify)
	require.False(t, cp.shouldExit())
	cp.Step()
	cp.shutting = true // Step already observed the closure; this re-asserts it.
	require.True(t, cp.shouldExit())

	cp.Run() // should return immediately
}

func TestCantExitUntilAllProcessed(t *testing.T) {
	backend := &fakeBackend{}
	notify := make(chan string)
	cp := New(backend, notify, 5, nil, nil)
	close(notify)
	cp.shutting = true

	cp.scheduled["test"] = struct{}{}
	require.False(t, cp.shouldExit())
	delete(cp.scheduled, "test")

	cp.inProgress["test"] = struct{}{}
	require.False(t, cp.shouldExit())
	delete(cp.inProgress, "test")

	require.True(t, cp.shouldExit())
	cp.Run()
}

func TestDontScheduleAlreadyScheduled(t *testing.T) {
	block := make(chan struct{})
	backend := &fakeBackend{block: block}
	defer close(block)

	notify := make(chan string, 8)
	cp := New(backend, notify, 5, nil, nil)

	notify <- "test"
	notify <- "test"

	cp.Step()
	require.False(t, cp.Scheduled("test"))
	require.True(t, cp.InProgress("test"))

	cp.Step() // drains the second notification into scheduled, but task in progress
	require.True(t, cp.Scheduled("test"))
	require.True(t, cp.InProgress("test"))
}

func TestScheduleConcurrentlyForDifferentNamespaces(t *testing.T) {
	block := make(chan struct{})
	backend := &fakeBackend{block: block}
	defer close(block)

	notify := make(chan string, 8)
	cp := New(backend, notify, 5, nil, nil)

	notify <- "test1"
	notify <- "test2"

	cp.Step()
	require.True(t, cp.InProgress("test1"))

	cp.Step()
	require.True(t, cp.InProgress("test2"))
}

func TestCheckpointerLimitedConcurrency(t *testing.T) {
	block := make(chan struct{})
	backend := &fakeBackend{block: block}
	defer close(block)

	notify := make(chan string, 8)
	cp := New(backend, notify, 2, nil, nil)

	notify <- "test1"
	notify <- "test2"
	notify <- "test3"

	cp.Step()
	cp.Step()
	cp.Step()

	require.True(t, cp.Scheduled("test3"))
	require.True(t, cp.InProgress("test1"))
	require.True(t, cp.InProgress("test2"))
	require.False(t, cp.InProgress("test3"))
}

// waitForResult blocks the test goroutine until the Checkpointer's single
// pending task result arrives, then handles it directly (as Step would).
func (cp *Checkpointer) waitForResult(t *testing.T) {
	t.Helper()
	res := <-cp.results
	cp.handleResult(res)
}
