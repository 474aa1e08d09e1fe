package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/vnykmshr/timerqueue/pkg/clock"
	tqerrors "github.com/vnykmshr/timerqueue/pkg/common/errors"
)

// FakeClock implements clock.Clock with controllable time.
// Timers fire only when SetTimer is given a deadline at or before the
// current fake time, or when Advance/Set moves time past an armed deadline.
type FakeClock struct {
	mu        sync.Mutex
	now       int64
	next      clock.Handle
	timers    map[clock.Handle]*fakeTimer
	fired     *queue.Queue // of clock.Handle
	notify    chan struct{}
	notReady  bool
	denyAlarm bool
	failed    bool
	closed    bool
	waits     int
	destroyed int
}

type fakeTimer struct {
	typ      clock.Type
	deadline int64
}

// FakeClockOption customizes a FakeClock.
type FakeClockOption func(*FakeClock)

// WithAlarmDenied makes CreateTimer fail for clock.BoottimeAlarm, as the
// system clock does without CAP_WAKE_ALARM.
func WithAlarmDenied() FakeClockOption {
	return func(c *FakeClock) { c.denyAlarm = true }
}

// WithNotReady makes the clock report an initialization failure.
func WithNotReady() FakeClockOption {
	return func(c *FakeClock) { c.notReady = true }
}

// NewFakeClock creates a FakeClock whose time starts at start nanoseconds.
func NewFakeClock(start int64, opts ...FakeClockOption) *FakeClock {
	c := &FakeClock{
		now:    start,
		timers: make(map[clock.Handle]*fakeTimer),
		fired:  queue.New(),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the current fake time.
func (c *FakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake time forward by d and fires every timer whose
// deadline has been reached, earliest first.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += int64(d)
	c.fireDueLocked()
}

// Set moves the fake time to now and fires due timers.
func (c *FakeClock) Set(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.fireDueLocked()
}

// Interrupt makes the next Wait return clock.InterruptedHandle.
func (c *FakeClock) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired.Add(clock.InterruptedHandle)
	c.signal()
}

// Fail makes every subsequent Wait return clock.InvalidHandle.
func (c *FakeClock) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
	c.signal()
}

// Deadline returns the armed deadline of h, or 0 when disarmed.
func (c *FakeClock) Deadline(h clock.Handle) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[h]; ok {
		return t.deadline
	}
	return 0
}

// Handles returns the live timer handles of the given type.
func (c *FakeClock) Handles(typ clock.Type) []clock.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []clock.Handle
	for h, t := range c.timers {
		if t.typ == typ {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LiveTimers returns how many timers are created but not yet destroyed.
func (c *FakeClock) LiveTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Destroyed returns how many timers were released through DestroyTimer.
func (c *FakeClock) Destroyed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Waits returns how many Wait calls have returned.
func (c *FakeClock) Waits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

// Closed reports whether Close has been called.
func (c *FakeClock) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeClock) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.notReady && !c.closed
}

func (c *FakeClock) CreateTimer(typ clock.Type) clock.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notReady || c.closed {
		return clock.InvalidHandle
	}
	if typ == clock.BoottimeAlarm && c.denyAlarm {
		return clock.InvalidHandle
	}
	h := c.next
	c.next++
	c.timers[h] = &fakeTimer{typ: typ}
	return h
}

func (c *FakeClock) DestroyTimer(h clock.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[h]; !ok {
		return tqerrors.NewOperationError("fakeclock", "DestroyTimer", tqerrors.ErrNotFound)
	}
	delete(c.timers, h)
	c.destroyed++
	return nil
}

func (c *FakeClock) SetTimer(h clock.Handle, deadline int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notReady || c.closed {
		return tqerrors.NewOperationError("fakeclock", "SetTimer", tqerrors.ErrNotReady)
	}
	t, ok := c.timers[h]
	if !ok {
		return tqerrors.NewOperationError("fakeclock", "SetTimer", tqerrors.ErrNotFound)
	}
	// Like timerfd_settime, re-arming discards an expiry not yet returned
	// by Wait.
	c.dropFiredLocked(h)
	t.deadline = deadline
	c.fireDueLocked()
	return nil
}

func (c *FakeClock) Wait(timeout int64) clock.Handle {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(time.Duration(timeout))
		defer timer.Stop()
		expire = timer.C
	}

	for {
		c.mu.Lock()
		if c.failed || c.notReady || c.closed {
			c.waits++
			c.mu.Unlock()
			return clock.InvalidHandle
		}
		if c.fired.Length() > 0 {
			h := c.fired.Remove().(clock.Handle)
			c.waits++
			c.mu.Unlock()
			return h
		}
		c.mu.Unlock()

		if timeout == 0 {
			c.countWait()
			return clock.PendingHandle
		}
		select {
		case <-c.notify:
		case <-expire:
			c.countWait()
			return clock.PendingHandle
		}
	}
}

func (c *FakeClock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.timers = make(map[clock.Handle]*fakeTimer)
	c.signal()
	return nil
}

func (c *FakeClock) countWait() {
	c.mu.Lock()
	c.waits++
	c.mu.Unlock()
}

// fireDueLocked queues every armed timer whose deadline is at or before
// now and disarms it, like a one-shot timerfd.
func (c *FakeClock) fireDueLocked() {
	var due []clock.Handle
	for h, t := range c.timers {
		if t.deadline > 0 && t.deadline <= c.now {
			due = append(due, h)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ti, tj := c.timers[due[i]], c.timers[due[j]]
		if ti.deadline != tj.deadline {
			return ti.deadline < tj.deadline
		}
		return due[i] < due[j]
	})
	for _, h := range due {
		c.timers[h].deadline = 0
		c.fired.Add(h)
	}
	if len(due) > 0 {
		c.signal()
	}
}

func (c *FakeClock) dropFiredLocked(h clock.Handle) {
	n := c.fired.Length()
	for i := 0; i < n; i++ {
		v := c.fired.Remove().(clock.Handle)
		if v != h {
			c.fired.Add(v)
		}
	}
}

func (c *FakeClock) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

var _ clock.Clock = (*FakeClock)(nil)
