package timerqueue

import "math"

// EventID identifies a scheduled callback within one TimerQueue.
type EventID int64

// InvalidEventID is returned when a callback could not be scheduled.
// It is never issued for a scheduled event.
const InvalidEventID EventID = -1

// Valid reports whether id could name a scheduled event.
func (id EventID) Valid() bool {
	return id > 0
}

// event is a scheduled callback. Everything except refs is immutable.
// refs counts queue registrations plus the dispatch batch holding it and is
// only touched under the TimerQueue lock.
type event struct {
	id       EventID
	fn       func()
	priority int64
	refs     int
}

func newEvent(id EventID, fn func(), priority int64) *event {
	return &event{id: id, fn: fn, priority: priority}
}

func (e *event) retain() {
	e.refs++
}

// release drops one reference and frees the callback once none remain.
func (e *event) release() {
	e.refs--
	if e.refs <= 0 {
		e.refs = 0
		e.fn = nil
	}
}

// idGenerator issues event ids starting at 1 and wraps to 1 after
// math.MaxInt64. Ids still held by a queue are skipped after a wrap.
type idGenerator struct {
	next EventID
}

func (g *idGenerator) nextID(inUse func(EventID) bool) EventID {
	for {
		id := g.next
		if id <= 0 {
			id = 1
		}
		if id == math.MaxInt64 {
			g.next = 1
		} else {
			g.next = id + 1
		}
		if !inUse(id) {
			return id
		}
	}
}
