/*
Package timerqueue provides a precision one-shot callback scheduler driven by
the Linux boot time clock.

Timer Queue (pkg/timerqueue):
  - TimerQueue: runs callbacks at absolute deadlines on a dispatch goroutine
  - dual deadlines: a soft deadline backed by a hard, device-waking one

Clock (pkg/clock):
  - Clock: timer creation, arming and waiting behind one interface
  - system clock: timerfd timers multiplexed by one epoll instance

Supporting packages:
  - deadline: durations, wall clock instants and cron expressions as deadlines
  - metrics: Prometheus collectors for timer queues

Example usage:

	import (
		"github.com/vnykmshr/timerqueue/pkg/deadline"
		"github.com/vnykmshr/timerqueue/pkg/timerqueue"
	)

	q := timerqueue.New(false)
	defer q.Close()

	id := q.Add(func() { fmt.Println("fired") }, deadline.After(20*time.Millisecond))
	q.Remove(id)
*/
package timerqueue
