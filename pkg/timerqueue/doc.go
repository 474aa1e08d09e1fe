// Package timerqueue runs one-shot callbacks at absolute deadlines on the
// boot time clock.
//
// # Overview
//
// A TimerQueue owns a clock.Clock, one event queue per wake class and a
// dispatch goroutine. Deadlines are nanoseconds since boot, including time
// spent suspended, as returned by clock.BootTime. The pkg/deadline package
// converts durations, wall clock instants and cron expressions into such
// deadlines.
//
// # Quick Start
//
//	q := timerqueue.New(false)
//	defer q.Close()
//
//	id := q.Add(func() {
//		fmt.Println("fired")
//	}, deadline.After(20*time.Millisecond))
//
//	// Cancel if it has not run yet.
//	q.Remove(id)
//
// # Wake Classes
//
// A queue created with alarm set uses CLOCK_BOOTTIME_ALARM timers for
// events added with Add, and for the hard deadline of events added with
// AddDeadlines. Those timers wake a suspended device and need
// CAP_WAKE_ALARM; without it the queue is not Ready and Add returns
// InvalidEventID.
//
// AddDeadlines registers the soft deadline on the no-wake clock and, on an
// alarm capable queue, the hard deadline on the wake clock. The callback
// runs once, at whichever deadline is collected first:
//
//	q.AddDeadlines(flush, deadline.After(time.Second), deadline.After(time.Minute), -1)
//
// # Ordering
//
// Callbacks due on the same wake run in ascending priority. For Add the
// priority is the deadline; ties break by registration order. Callbacks
// due on different wakes run in deadline order.
//
// # Failure Handling
//
// Clock failures never panic. A queue whose clock or timers failed to
// initialize reports Ready() == false and rejects new events. If the clock
// fails while waiting, dispatch stops and pending callbacks never run;
// Close still returns. A panicking callback is recovered, logged and
// counted, and the rest of its batch still runs.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Callbacks run on the dispatch
// goroutine without the queue lock held and may call Add and Remove.
// Events added from a callback are picked up on a later wake. Close joins
// the dispatch goroutine, so a callback must never call it.
package timerqueue
