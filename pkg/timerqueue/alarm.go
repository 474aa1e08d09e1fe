package timerqueue

import (
	"fmt"
	"log/slog"

	"github.com/google/btree"

	"github.com/vnykmshr/timerqueue/pkg/clock"
)

// immediate is the smallest positive absolute deadline. Arming a timer with
// it fires at once; a deadline of 0 would disarm instead.
const immediate int64 = 1

// unknownArm marks the OS timer state as unknown so the next arm always
// reaches the clock.
const unknownArm int64 = -1

type entry struct {
	ev *event
	at int64
}

type timeKey struct {
	at int64
	id EventID
}

func lessTimeKey(a, b timeKey) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.id < b.id
}

// alarmClock pairs one OS timer with the events pending on it. The timer is
// always armed for the earliest pending deadline and disarmed when nothing
// is pending, except after shutdown when it is armed to fire immediately.
//
// alarmClock is not safe for concurrent use; the owning TimerQueue
// serializes access with its lock.
type alarmClock struct {
	clk    clock.Clock
	typ    clock.Type
	handle clock.Handle

	events   map[EventID]entry
	index    *btree.BTreeG[timeKey]
	armed    int64
	stopping bool

	logger *slog.Logger
	inst   *instruments
}

func newAlarmClock(clk clock.Clock, typ clock.Type, logger *slog.Logger, inst *instruments) *alarmClock {
	a := &alarmClock{
		clk:    clk,
		typ:    typ,
		handle: clk.CreateTimer(typ),
		events: make(map[EventID]entry),
		index:  btree.NewG(16, lessTimeKey),
		logger: logger.With("clock", typ.String()),
		inst:   inst,
	}
	if !a.handle.Valid() {
		a.logger.Error("timer create failed")
	} else {
		a.logger.Debug("timer created", "handle", a.handle)
	}
	return a
}

func (a *alarmClock) valid() bool {
	return a.handle.Valid()
}

// add registers ev to run at the absolute time at. An existing registration
// for the same id is replaced.
func (a *alarmClock) add(at int64, ev *event) {
	if old, ok := a.events[ev.id]; ok {
		a.index.Delete(timeKey{at: old.at, id: ev.id})
		old.ev.release()
	}
	ev.retain()
	a.events[ev.id] = entry{ev: ev, at: at}
	a.index.ReplaceOrInsert(timeKey{at: at, id: ev.id})
	a.inst.added(a.typ)
	a.armForNextEvent()
}

// remove cancels the registration for id and reports whether one existed.
func (a *alarmClock) remove(id EventID) bool {
	e, ok := a.events[id]
	if !ok {
		return false
	}
	delete(a.events, id)
	a.index.Delete(timeKey{at: e.at, id: id})
	e.ev.release()
	a.armForNextEvent()
	return true
}

func (a *alarmClock) has(id EventID) bool {
	_, ok := a.events[id]
	return ok
}

func (a *alarmClock) pending() int {
	return len(a.events)
}

// ids returns the pending ids in deadline order.
func (a *alarmClock) ids() []EventID {
	out := make([]EventID, 0, a.index.Len())
	a.index.Ascend(func(k timeKey) bool {
		out = append(out, k.id)
		return true
	})
	return out
}

// armForNextEvent programs the OS timer for the earliest deadline, for
// immediate expiry while stopping, or disarms it when nothing is pending.
func (a *alarmClock) armForNextEvent() {
	defer a.inst.pending(a.typ, len(a.events))
	if !a.valid() {
		return
	}

	var deadline int64
	switch {
	case a.stopping:
		deadline = immediate
	case a.index.Len() > 0:
		first, _ := a.index.Min()
		deadline = first.at
		if deadline < immediate {
			deadline = immediate
		}
	}
	if deadline == a.armed {
		return
	}
	if err := a.clk.SetTimer(a.handle, deadline); err != nil {
		a.logger.Error("timer arm failed", "handle", a.handle, "deadline", deadline, "error", err)
		return
	}
	a.armed = deadline
}

// collectDue moves every event due at or before now into out and re-arms
// for what remains. The queue's reference is handed to out; if out already
// holds the event, the duplicate reference is dropped.
func (a *alarmClock) collectDue(now int64, out map[EventID]*event) int {
	n := 0
	for a.index.Len() > 0 {
		first, _ := a.index.Min()
		if first.at > now {
			break
		}
		a.index.DeleteMin()
		e := a.events[first.id]
		delete(a.events, first.id)
		a.inst.lateness(a.typ, now-first.at)
		n++

		if _, dup := out[first.id]; dup {
			e.ev.release()
			continue
		}
		out[first.id] = e.ev
	}
	// The timer may have expired without its wake being consumed. Always
	// reprogram it, even to disarm, so a stale expiry does not wake dispatch
	// a second time.
	a.armed = unknownArm
	a.armForNextEvent()
	return n
}

// removeEvents cancels any registration whose id is in set. It strips
// sibling registrations of events already collected from another queue.
func (a *alarmClock) removeEvents(set map[EventID]*event) int {
	n := 0
	for id := range set {
		e, ok := a.events[id]
		if !ok {
			continue
		}
		delete(a.events, id)
		a.index.Delete(timeKey{at: e.at, id: id})
		e.ev.release()
		n++
	}
	if n > 0 {
		a.armForNextEvent()
	}
	return n
}

// shutdown arms the timer to fire at once so a blocked Wait returns.
func (a *alarmClock) shutdown() {
	a.stopping = true
	a.armed = unknownArm
	a.armForNextEvent()
}

// close destroys the OS timer and drops every pending registration.
func (a *alarmClock) close() error {
	for id, e := range a.events {
		e.ev.release()
		delete(a.events, id)
	}
	a.index.Clear(false)
	a.inst.pending(a.typ, 0)

	if !a.valid() {
		return nil
	}
	h := a.handle
	a.handle = clock.InvalidHandle
	if err := a.clk.DestroyTimer(h); err != nil {
		return err
	}
	a.logger.Debug("timer destroyed", "handle", h)
	return nil
}

// checkInvariant verifies that the id map and the time index agree and
// that the armed deadline matches the earliest entry.
func (a *alarmClock) checkInvariant() error {
	if len(a.events) != a.index.Len() {
		return fmt.Errorf("%s: %d events but %d index keys", a.typ, len(a.events), a.index.Len())
	}
	var err error
	a.index.Ascend(func(k timeKey) bool {
		e, ok := a.events[k.id]
		switch {
		case !ok:
			err = fmt.Errorf("%s: indexed id %d missing from events", a.typ, k.id)
		case e.at != k.at:
			err = fmt.Errorf("%s: id %d indexed at %d but stored at %d", a.typ, k.id, k.at, e.at)
		case e.ev.refs <= 0:
			err = fmt.Errorf("%s: id %d registered with no references", a.typ, k.id)
		}
		return err == nil
	})
	if err != nil || !a.valid() {
		return err
	}

	var want int64
	switch {
	case a.stopping:
		want = immediate
	case a.index.Len() > 0:
		first, _ := a.index.Min()
		want = max(first.at, immediate)
	}
	if a.armed != want {
		return fmt.Errorf("%s: armed for %d, earliest deadline %d", a.typ, a.armed, want)
	}
	return nil
}
