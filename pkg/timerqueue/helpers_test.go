package timerqueue

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/timerqueue/internal/testutil"
)

const start = int64(time.Second)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, alarm bool, opts ...testutil.FakeClockOption) (*TimerQueue, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(start, opts...)
	q, err := NewWithConfig(Config{
		Name:   "test",
		Alarm:  alarm,
		Clock:  clk,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, q.Close())
	})
	return q, clk
}

func ms(n int) int64 {
	return int64(time.Duration(n) * time.Millisecond)
}

// recorder collects labels in callback order.
type recorder struct {
	mu   sync.Mutex
	seen []int
}

func (r *recorder) fn(label int) func() {
	return func() {
		r.mu.Lock()
		r.seen = append(r.seen, label)
		r.mu.Unlock()
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recorder) labels() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	testutil.Eventually(t, func() bool { return r.count() >= n }, testutil.TestTimeout, time.Millisecond)
}

// checkQueues verifies every queue invariant under the queue lock.
func checkQueues(t *testing.T, q *TimerQueue) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.queues() {
		require.NoError(t, a.checkInvariant())
	}
}
