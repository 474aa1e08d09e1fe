package timerqueue

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/vnykmshr/timerqueue/pkg/clock"
)

// State is the lifecycle state of a TimerQueue.
type State int32

const (
	// StateCreated is the state before the dispatch goroutine starts.
	StateCreated State = iota
	// StateRunning accepts new events and dispatches due ones.
	StateRunning
	// StateStopping rejects new events while the dispatch goroutine exits.
	StateStopping
	// StateStopped means all timers and the clock have been released.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats holds counters for a TimerQueue.
type Stats struct {
	Added    uint64 // Events accepted by Add or AddDeadlines
	Removed  uint64 // Successful Remove calls
	Executed uint64 // Callbacks invoked, including ones that panicked
	Panicked uint64 // Callbacks that panicked
	Pending  int    // Events waiting on any clock queue
	State    State
}

// TimerQueue runs one-shot callbacks at absolute boot time deadlines.
//
// A single dispatch goroutine waits on the OS timers and runs due callbacks
// in priority order. Callbacks run without the queue lock held, so they may
// call Add and Remove. Callbacks must not call Close.
type TimerQueue struct {
	clk    clock.Clock
	alarm  bool
	logger *slog.Logger
	inst   *instruments

	mu     sync.Mutex
	state  State
	ids    idGenerator
	noWake *alarmClock
	wake   *alarmClock // nil unless alarm
	stats  Stats

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a TimerQueue on the system clock. With alarm set, hard
// deadlines wake a suspended device.
func New(alarm bool) *TimerQueue {
	cfg := DefaultConfig()
	cfg.Alarm = alarm
	q, err := NewWithConfig(cfg)
	if err != nil {
		// DefaultConfig always validates.
		panic(err)
	}
	return q
}

// NewWithConfig creates a TimerQueue from cfg. It returns an error only for
// an invalid configuration; clock failures leave the queue not Ready.
func NewWithConfig(cfg Config) (*TimerQueue, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger()
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock(logger)
	}
	inst := newInstruments(cfg.registry(), cfg.Name)

	q := &TimerQueue{
		clk:    clk,
		alarm:  cfg.Alarm,
		logger: logger,
		inst:   inst,
		state:  StateCreated,
		ids:    idGenerator{next: 1},
		done:   make(chan struct{}),
	}
	q.noWake = newAlarmClock(clk, clock.Boottime, logger, inst)
	if cfg.Alarm {
		q.wake = newAlarmClock(clk, clock.BoottimeAlarm, logger, inst)
	}

	q.state = StateRunning
	if !q.anyTimer() {
		// Nothing could ever wake the dispatch goroutine.
		logger.Error("no timers available, dispatch not started", "clock_ready", clk.Ready())
		close(q.done)
		return q, nil
	}
	go q.dispatch()
	return q, nil
}

// Add schedules fn to run at executionTime, an absolute boot time in
// nanoseconds. The event uses the wake clock when the queue is alarm
// capable. Returns InvalidEventID if fn is nil, the queue is not Ready,
// or the queue is closed.
func (q *TimerQueue) Add(fn func(), executionTime int64) EventID {
	if fn == nil {
		return InvalidEventID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateRunning || !q.readyLocked() {
		return InvalidEventID
	}
	target := q.noWake
	if q.alarm {
		target = q.wake
	}
	id := q.ids.nextID(q.outstandingLocked)
	target.add(executionTime, newEvent(id, fn, executionTime))
	q.stats.Added++

	q.logger.Debug("event added", "id", id, "deadline", executionTime)
	return id
}

// AddDeadlines schedules fn with a soft and a hard deadline. The soft
// deadline never wakes the device; on an alarm capable queue the hard
// deadline does. fn runs once, at whichever deadline is reached first.
// priority orders callbacks that become due on the same wake; a negative
// priority defaults to hard.
func (q *TimerQueue) AddDeadlines(fn func(), soft, hard, priority int64) EventID {
	if fn == nil {
		return InvalidEventID
	}
	if priority < 0 {
		priority = hard
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateRunning || !q.readyLocked() {
		return InvalidEventID
	}
	id := q.ids.nextID(q.outstandingLocked)
	ev := newEvent(id, fn, priority)
	q.noWake.add(soft, ev)
	if q.wake != nil {
		q.wake.add(hard, ev)
	}
	q.stats.Added++

	q.logger.Debug("event added", "id", id, "soft", soft, "hard", hard, "priority", priority)
	return id
}

// Remove cancels a pending event. It returns false if the event already
// ran, is about to run, or was never scheduled.
func (q *TimerQueue) Remove(id EventID) bool {
	if !id.Valid() {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	for _, a := range q.queues() {
		if a.remove(id) {
			removed = true
		}
	}
	if removed {
		q.stats.Removed++
		q.inst.removed()
		q.logger.Debug("event removed", "id", id)
	}
	return removed
}

// Ready reports whether the clock and every timer initialized.
func (q *TimerQueue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyLocked()
}

// Alarm reports whether the queue was created wake capable.
func (q *TimerQueue) Alarm() bool {
	return q.alarm
}

// Stats returns a snapshot of the queue counters.
func (q *TimerQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.State = q.state
	s.Pending = q.noWake.pending()
	if q.wake != nil {
		for _, id := range q.wake.ids() {
			if !q.noWake.has(id) {
				s.Pending++
			}
		}
	}
	return s
}

// Close stops dispatch and releases every timer and the clock. Pending
// callbacks are dropped. Close is idempotent and must not be called from a
// callback.
func (q *TimerQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.state = StateStopping
		for _, a := range q.queues() {
			a.shutdown()
		}
		q.mu.Unlock()

		<-q.done

		q.mu.Lock()
		defer q.mu.Unlock()

		var errs []error
		for _, a := range q.queues() {
			if err := a.close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := q.clk.Close(); err != nil {
			errs = append(errs, err)
		}
		q.state = StateStopped
		q.closeErr = errors.Join(errs...)
		q.logger.Debug("timer queue closed")
	})
	return q.closeErr
}

func (q *TimerQueue) queues() []*alarmClock {
	if q.wake == nil {
		return []*alarmClock{q.noWake}
	}
	return []*alarmClock{q.noWake, q.wake}
}

func (q *TimerQueue) readyLocked() bool {
	if !q.clk.Ready() {
		return false
	}
	for _, a := range q.queues() {
		if !a.valid() {
			return false
		}
	}
	return true
}

func (q *TimerQueue) anyTimer() bool {
	for _, a := range q.queues() {
		if a.valid() {
			return true
		}
	}
	return false
}

func (q *TimerQueue) outstandingLocked(id EventID) bool {
	for _, a := range q.queues() {
		if a.has(id) {
			return true
		}
	}
	return false
}

// dispatch waits for timers and runs due callbacks until the queue stops or
// the clock fails.
func (q *TimerQueue) dispatch() {
	defer close(q.done)

	batch := make(map[EventID]*event)
	var ordered []*event

	for {
		h := q.clk.Wait(-1)
		switch h {
		case clock.InvalidHandle:
			q.logger.Error("clock wait failed, dispatch stopped")
			return
		case clock.PendingHandle, clock.InterruptedHandle:
			continue
		}

		q.mu.Lock()
		if q.state != StateRunning {
			q.mu.Unlock()
			return
		}
		now := q.clk.Now()
		for _, a := range q.queues() {
			a.collectDue(now, batch)
		}
		// A dual deadline event collected from one queue must not stay
		// registered on the other.
		for _, a := range q.queues() {
			a.removeEvents(batch)
		}
		q.mu.Unlock()

		ordered = ordered[:0]
		for _, ev := range batch {
			ordered = append(ordered, ev)
		}
		clear(batch)
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].priority != ordered[j].priority {
				return ordered[i].priority < ordered[j].priority
			}
			return ordered[i].id < ordered[j].id
		})

		q.inst.wake(len(ordered))
		q.logger.Debug("dispatch wake", "handle", h, "batch", len(ordered))

		var panicked uint64
		for _, ev := range ordered {
			if q.run(ev) {
				panicked++
			}
		}

		q.mu.Lock()
		for _, ev := range ordered {
			ev.release()
		}
		q.stats.Executed += uint64(len(ordered))
		q.stats.Panicked += panicked
		q.mu.Unlock()
	}
}

// run invokes the callback and reports whether it panicked.
func (q *TimerQueue) run(ev *event) (panicked bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			q.logger.Error("callback panicked", "id", ev.id, "panic", r, "stack", string(debug.Stack()))
		}
		q.inst.executed(time.Since(start), panicked)
	}()
	ev.fn()
	return false
}
