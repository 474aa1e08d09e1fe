package timerqueue

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/timerqueue/internal/testutil"
	"github.com/vnykmshr/timerqueue/pkg/clock"
	tqerrors "github.com/vnykmshr/timerqueue/pkg/common/errors"
	"github.com/vnykmshr/timerqueue/pkg/metrics"
)

func TestAdd_ExecutesAtDeadline(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	id := q.Add(r.fn(1), start+ms(20))
	require.True(t, id.Valid())

	clk.Advance(19 * time.Millisecond)
	testutil.Never(t, func() bool { return r.count() > 0 }, 20*time.Millisecond)

	clk.Advance(time.Millisecond)
	r.waitFor(t, 1)
	assert.Equal(t, []int{1}, r.labels())

	testutil.Eventually(t, func() bool { return q.Stats().Executed == 1 }, testutil.TestTimeout, time.Millisecond)
	assert.Zero(t, q.Stats().Pending)
}

func TestAdd_NilCallback(t *testing.T) {
	q, _ := newTestQueue(t, false)

	assert.Equal(t, InvalidEventID, q.Add(nil, start+ms(20)))
	assert.Equal(t, InvalidEventID, q.AddDeadlines(nil, start+ms(20), start+ms(40), -1))

	stats := q.Stats()
	assert.Zero(t, stats.Added)
	assert.Zero(t, stats.Pending)
}

func TestAdd_IDsIncrease(t *testing.T) {
	q, _ := newTestQueue(t, false)

	assert.Equal(t, EventID(1), q.Add(func() {}, start+ms(100)))
	assert.Equal(t, EventID(2), q.Add(func() {}, start+ms(100)))
	assert.Equal(t, EventID(3), q.AddDeadlines(func() {}, start+ms(100), start+ms(200), -1))
}

func TestAdd_OrdersByDeadline(t *testing.T) {
	tests := []struct {
		name  string
		steps []time.Duration
	}{
		{"single wake", []time.Duration{60 * time.Millisecond}},
		{"one wake per deadline", []time.Duration{20 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, clk := newTestQueue(t, false)
			var r recorder

			for _, d := range []int{60, 40, 20} {
				require.True(t, q.Add(r.fn(d), start+ms(d)).Valid())
			}
			for i, step := range tt.steps {
				clk.Advance(step)
				if len(tt.steps) > 1 {
					r.waitFor(t, i+1)
				}
			}

			r.waitFor(t, 3)
			assert.Equal(t, []int{20, 40, 60}, r.labels())
		})
	}
}

func TestAdd_SameDeadlineOrdersByPriority(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	const n = 5
	at := start + ms(10)
	for p := n; p >= 1; p-- {
		require.True(t, q.AddDeadlines(r.fn(p), at, at, int64(p)).Valid())
	}

	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, n)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, r.labels())
}

func TestAdd_TiesBreakByRegistrationOrder(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	at := start + ms(10)
	for i := 1; i <= 3; i++ {
		q.Add(r.fn(i), at)
	}

	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, 3)
	assert.Equal(t, []int{1, 2, 3}, r.labels())
}

func TestAdd_PastDeadlineFiresImmediately(t *testing.T) {
	q, _ := newTestQueue(t, false)
	var r recorder

	require.True(t, q.Add(r.fn(1), 0).Valid())
	require.True(t, q.Add(r.fn(2), start-ms(1)).Valid())

	r.waitFor(t, 2)
	assert.Equal(t, []int{1, 2}, r.labels())
}

func TestAdd_AlarmUsesWakeClock(t *testing.T) {
	q, clk := newTestQueue(t, true)

	q.Add(func() {}, start+ms(30))

	wake := clk.Handles(clock.BoottimeAlarm)
	noWake := clk.Handles(clock.Boottime)
	require.Len(t, wake, 1)
	require.Len(t, noWake, 1)
	assert.Equal(t, start+ms(30), clk.Deadline(wake[0]))
	assert.Zero(t, clk.Deadline(noWake[0]))
}

func TestAddDeadlines_FiresOnceAtSoftDeadline(t *testing.T) {
	q, clk := newTestQueue(t, true)
	var r recorder

	id := q.AddDeadlines(r.fn(1), start+ms(20), start+ms(60), -1)
	require.True(t, id.Valid())
	assert.Equal(t, 1, q.Stats().Pending)

	clk.Advance(20 * time.Millisecond)
	r.waitFor(t, 1)

	q.mu.Lock()
	assert.False(t, q.wake.has(id), "hard registration must be stripped")
	q.mu.Unlock()
	assert.Zero(t, clk.Deadline(clk.Handles(clock.BoottimeAlarm)[0]))

	clk.Advance(40 * time.Millisecond)
	testutil.Never(t, func() bool { return r.count() > 1 }, 30*time.Millisecond)
	assert.False(t, q.Remove(id))
}

func TestAddDeadlines_HardDeadlineFirst(t *testing.T) {
	q, clk := newTestQueue(t, true)
	var r recorder

	// The soft deadline is missed, as when the device was suspended.
	q.AddDeadlines(r.fn(1), start+ms(60), start+ms(20), -1)

	clk.Advance(20 * time.Millisecond)
	r.waitFor(t, 1)

	clk.Advance(40 * time.Millisecond)
	testutil.Never(t, func() bool { return r.count() > 1 }, 30*time.Millisecond)
}

func TestAddDeadlines_BothDueOnOneWake(t *testing.T) {
	q, clk := newTestQueue(t, true)
	var r recorder

	q.AddDeadlines(r.fn(1), start+ms(20), start+ms(40), -1)

	clk.Advance(40 * time.Millisecond)
	r.waitFor(t, 1)
	testutil.Never(t, func() bool { return r.count() > 1 }, 30*time.Millisecond)
	testutil.Eventually(t, func() bool { return q.Stats().Executed == 1 }, testutil.TestTimeout, time.Millisecond)
}

func TestAddDeadlines_NegativePriorityUsesHard(t *testing.T) {
	q, clk := newTestQueue(t, true)
	var r recorder

	q.AddDeadlines(r.fn(50), start+ms(10), start+ms(50), -1)
	q.AddDeadlines(r.fn(30), start+ms(10), start+ms(30), -1)

	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, 2)
	assert.Equal(t, []int{30, 50}, r.labels())
}

func TestAddDeadlines_WithoutAlarmIgnoresHard(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	q.AddDeadlines(r.fn(1), start+ms(60), start+ms(20), -1)
	assert.Empty(t, clk.Handles(clock.BoottimeAlarm))

	clk.Advance(20 * time.Millisecond)
	testutil.Never(t, func() bool { return r.count() > 0 }, 20*time.Millisecond)

	clk.Advance(40 * time.Millisecond)
	r.waitFor(t, 1)
}

func TestRemove(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	id := q.Add(r.fn(1), start+ms(50))
	assert.True(t, q.Remove(id))
	assert.False(t, q.Remove(id), "second remove")
	assert.Zero(t, clk.Deadline(clk.Handles(clock.Boottime)[0]), "timer disarmed")

	clk.Advance(100 * time.Millisecond)
	testutil.Never(t, func() bool { return r.count() > 0 }, 30*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Added)
	assert.Equal(t, uint64(1), stats.Removed)
	assert.Zero(t, stats.Executed)
}

func TestRemove_UnknownIDs(t *testing.T) {
	q, _ := newTestQueue(t, true)

	for _, id := range []EventID{12345, InvalidEventID, 0, math.MaxInt64} {
		assert.False(t, q.Remove(id), "id %d", id)
	}
	assert.Zero(t, q.Stats().Removed)
}

func TestRemove_DualDeadline(t *testing.T) {
	q, clk := newTestQueue(t, true)
	var r recorder

	id := q.AddDeadlines(r.fn(1), start+ms(20), start+ms(40), -1)
	assert.True(t, q.Remove(id))
	assert.Zero(t, q.Stats().Pending)
	checkQueues(t, q)

	clk.Advance(50 * time.Millisecond)
	testutil.Never(t, func() bool { return r.count() > 0 }, 30*time.Millisecond)
}

func TestRemove_AfterExecution(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	id := q.Add(r.fn(1), start+ms(10))
	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, 1)

	assert.False(t, q.Remove(id))
}

func TestClose_DropsPendingEvents(t *testing.T) {
	q, clk := newTestQueue(t, true)
	var r recorder

	id := q.Add(r.fn(1), start+ms(50))
	q.AddDeadlines(r.fn(2), start+ms(50), start+ms(80), -1)

	began := time.Now()
	require.NoError(t, q.Close())
	assert.Less(t, time.Since(began), time.Second)

	clk.Advance(100 * time.Millisecond)
	assert.Zero(t, r.count())

	assert.Zero(t, clk.LiveTimers())
	assert.Equal(t, 2, clk.Destroyed())
	assert.True(t, clk.Closed())

	stats := q.Stats()
	assert.Equal(t, StateStopped, stats.State)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Executed)

	assert.False(t, q.Ready())
	assert.Equal(t, InvalidEventID, q.Add(r.fn(3), start+ms(200)))
	assert.False(t, q.Remove(id))
	require.NoError(t, q.Close(), "Close is idempotent")
}

func TestClose_ReleasesEvents(t *testing.T) {
	q, _ := newTestQueue(t, true)

	id := q.AddDeadlines(func() {}, start+ms(50), start+ms(80), -1)
	q.mu.Lock()
	ev := q.noWake.events[id].ev
	assert.Equal(t, 2, ev.refs)
	q.mu.Unlock()

	require.NoError(t, q.Close())
	assert.Zero(t, ev.refs)
	assert.Nil(t, ev.fn)
}

func TestClose_WhileCallbackRuns(t *testing.T) {
	q, clk := newTestQueue(t, false)
	entered := make(chan struct{})
	release := make(chan struct{})

	q.Add(func() {
		close(entered)
		<-release
	}, start+ms(10))
	q.Add(func() {}, start+ms(500))

	clk.Advance(10 * time.Millisecond)
	testutil.Receive[struct{}](t, entered, testutil.TestTimeout)

	closed := make(chan error, 1)
	go func() { closed <- q.Close() }()

	testutil.Eventually(t, func() bool { return q.Stats().State == StateStopping }, testutil.TestTimeout, time.Millisecond)
	close(release)
	require.NoError(t, testutil.Receive[error](t, closed, testutil.TestTimeout))
	assert.Equal(t, uint64(1), q.Stats().Executed)
}

func TestNotReadyClock(t *testing.T) {
	q, clk := newTestQueue(t, true, testutil.WithNotReady())

	assert.False(t, q.Ready())
	assert.True(t, q.Alarm())
	assert.Equal(t, InvalidEventID, q.Add(func() {}, start+ms(10)))
	assert.Equal(t, InvalidEventID, q.AddDeadlines(func() {}, start+ms(10), start+ms(20), -1))
	assert.False(t, q.Remove(1))

	// Without any timer the dispatch goroutine never starts.
	testutil.Receive[struct{}](t, q.done, testutil.TestTimeout)

	began := time.Now()
	require.NoError(t, q.Close())
	assert.Less(t, time.Since(began), time.Second)
	assert.True(t, clk.Closed())
}

func TestAlarmDenied(t *testing.T) {
	q, clk := newTestQueue(t, true, testutil.WithAlarmDenied())

	assert.False(t, q.Ready())
	assert.True(t, q.Alarm())
	assert.Equal(t, InvalidEventID, q.Add(func() {}, start+ms(10)))
	assert.Equal(t, InvalidEventID, q.AddDeadlines(func() {}, start+ms(10), start+ms(20), -1))
	assert.Len(t, clk.Handles(clock.Boottime), 1)

	require.NoError(t, q.Close())
}

func TestReady(t *testing.T) {
	q, _ := newTestQueue(t, true)
	assert.True(t, q.Ready())
	assert.True(t, q.Alarm())

	q2, _ := newTestQueue(t, false)
	assert.True(t, q2.Ready())
	assert.False(t, q2.Alarm())
}

func TestDispatch_StopsOnClockFailure(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	q.Add(r.fn(1), start+ms(20))
	clk.Fail()

	testutil.Receive[struct{}](t, q.done, testutil.TestTimeout)
	clk.Advance(20 * time.Millisecond)
	testutil.Never(t, func() bool { return r.count() > 0 }, 30*time.Millisecond)

	require.NoError(t, q.Close())
}

func TestDispatch_RetriesInterruptedWait(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	clk.Interrupt()
	testutil.Eventually(t, func() bool { return clk.Waits() >= 1 }, testutil.TestTimeout, time.Millisecond)

	q.Add(r.fn(1), start+ms(10))
	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, 1)
}

func TestDispatch_OneWakeWhenBothQueuesFire(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	q, err := NewWithConfig(Config{
		Name:    "wakes",
		Alarm:   true,
		Clock:   clk,
		Logger:  discardLogger(),
		Metrics: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })

	var ran int32
	at := start + ms(10)
	q.AddDeadlines(func() { atomic.AddInt32(&ran, 1) }, at, at, -1)

	clk.Set(at)
	testutil.WaitForInt32(t, &ran, 1, testutil.TestTimeout)

	wakes := func() float64 { return promtest.ToFloat64(reg.DispatchWakes.WithLabelValues("wakes")) }
	testutil.Never(t, func() bool { return wakes() > 1 }, 30*time.Millisecond)
	assert.Equal(t, 1.0, wakes())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestAdd_ManyEventsRunOnce(t *testing.T) {
	q, clk := newTestQueue(t, true)

	const n = 100
	var ran int32
	for i := 0; i < n; i++ {
		soft := start + ms(i%10)
		if i%2 == 0 {
			q.Add(func() { atomic.AddInt32(&ran, 1) }, soft)
		} else {
			q.AddDeadlines(func() { atomic.AddInt32(&ran, 1) }, soft, soft+ms(5), -1)
		}
	}

	for i := 0; i < 20; i++ {
		clk.Advance(time.Millisecond)
	}
	testutil.WaitForInt32(t, &ran, n, testutil.TestTimeout)
	testutil.Never(t, func() bool { return atomic.LoadInt32(&ran) > n }, 30*time.Millisecond)
	assert.Zero(t, q.Stats().Pending)
}

func TestDispatch_RecoversPanics(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	at := start + ms(10)
	q.AddDeadlines(func() { panic("boom") }, at, at, 1)
	q.AddDeadlines(r.fn(2), at, at, 2)

	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, 1)
	testutil.Eventually(t, func() bool { return q.Stats().Executed == 2 }, testutil.TestTimeout, time.Millisecond)
	assert.Equal(t, uint64(1), q.Stats().Panicked)

	q.Add(r.fn(3), start+ms(20))
	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, 2)
	assert.Equal(t, []int{2, 3}, r.labels())
}

func TestCallback_ReentrantAddRemove(t *testing.T) {
	q, clk := newTestQueue(t, false)
	var r recorder

	victim := q.Add(r.fn(99), start+ms(100))
	var inner EventID
	q.Add(func() {
		r.fn(1)()
		inner = q.Add(r.fn(2), clk.Now()+ms(10))
		q.Remove(victim)
	}, start+ms(10))

	clk.Advance(10 * time.Millisecond)
	testutil.Eventually(t, func() bool { return q.Stats().Executed == 1 }, testutil.TestTimeout, time.Millisecond)
	assert.True(t, inner.Valid())

	clk.Advance(100 * time.Millisecond)
	r.waitFor(t, 2)
	testutil.Never(t, func() bool { return r.count() > 2 }, 30*time.Millisecond)
	assert.Equal(t, []int{1, 2}, r.labels())
}

func TestConcurrentAddRemove(t *testing.T) {
	q, clk := newTestQueue(t, true)

	const (
		workers = 8
		ops     = 200
	)

	stop := make(chan struct{})
	var advancer sync.WaitGroup
	advancer.Add(1)
	go func() {
		defer advancer.Done()
		for {
			select {
			case <-stop:
				return
			default:
				clk.Advance(time.Millisecond)
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var ids []EventID
			for i := 0; i < ops; i++ {
				now := clk.Now()
				switch rng.Intn(3) {
				case 0:
					ids = append(ids, q.Add(func() {}, now+ms(rng.Intn(50))))
				case 1:
					soft := now + ms(rng.Intn(50))
					ids = append(ids, q.AddDeadlines(func() {}, soft, soft+ms(rng.Intn(50)), -1))
				case 2:
					if len(ids) > 0 {
						q.Remove(ids[rng.Intn(len(ids))])
					}
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(stop)
	advancer.Wait()

	checkQueues(t, q)

	clk.Advance(time.Hour)
	testutil.Eventually(t, func() bool {
		s := q.Stats()
		return s.Pending == 0 && s.Added == s.Executed+s.Removed
	}, testutil.TestTimeout, time.Millisecond)
	checkQueues(t, q)
}

func TestEventID_WrapSkipsOutstanding(t *testing.T) {
	q, _ := newTestQueue(t, false)

	first := q.Add(func() {}, start+ms(1000))
	require.Equal(t, EventID(1), first)

	q.mu.Lock()
	q.ids.next = math.MaxInt64
	q.mu.Unlock()

	assert.Equal(t, EventID(math.MaxInt64), q.Add(func() {}, start+ms(1000)))
	assert.Equal(t, EventID(2), q.Add(func() {}, start+ms(1000)), "id 1 is still pending")
}

func TestStats_PendingCountsUniqueEvents(t *testing.T) {
	q, _ := newTestQueue(t, true)

	q.AddDeadlines(func() {}, start+ms(10), start+ms(20), -1)
	q.Add(func() {}, start+ms(30))

	stats := q.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, uint64(2), stats.Added)
	assert.Equal(t, StateRunning, stats.State)
}

func TestMetrics(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	q, err := NewWithConfig(Config{
		Name:    "audio",
		Clock:   clk,
		Logger:  discardLogger(),
		Metrics: reg,
	})
	require.NoError(t, err)
	defer q.Close()

	var r recorder
	q.Add(r.fn(1), start+ms(10))
	keep := q.Add(r.fn(2), start+ms(50))
	q.Remove(q.Add(r.fn(3), start+ms(30)))

	assert.Equal(t, 3.0, promtest.ToFloat64(reg.EventsAdded.WithLabelValues("audio", "boottime")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.EventsRemoved.WithLabelValues("audio")))
	assert.Equal(t, 2.0, promtest.ToFloat64(reg.PendingEvents.WithLabelValues("audio", "boottime")))

	clk.Advance(10 * time.Millisecond)
	r.waitFor(t, 1)
	testutil.Eventually(t, func() bool {
		return promtest.ToFloat64(reg.EventsExecuted.WithLabelValues("audio")) == 1
	}, testutil.TestTimeout, time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.DispatchWakes.WithLabelValues("audio")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.PendingEvents.WithLabelValues("audio", "boottime")))
	assert.True(t, keep.Valid())
}

func TestNewWithConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"name too long", Config{Name: strings.Repeat("x", 256)}},
		{"unknown log level", Config{Name: "q", LogLevel: "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Clock = testutil.NewFakeClock(start)
			q, err := NewWithConfig(tt.cfg)
			require.Error(t, err)
			assert.Nil(t, q)
			assert.True(t, tqerrors.IsValidationError(err))
		})
	}
}

func TestNewWithConfig_DefaultName(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	q, err := NewWithConfig(Config{Clock: clk, Logger: discardLogger()})
	require.NoError(t, err)
	require.NoError(t, q.Close())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
