// Package deadline converts durations, wall clock instants and cron
// expressions into absolute boot time deadlines for a TimerQueue.
//
// Deadlines are one-shot. A callback that should run again computes its
// next deadline and adds itself back:
//
//	var tick func()
//	tick = func() {
//		work()
//		if next, err := deadline.NextCron("@every 1m", time.Now()); err == nil {
//			q.Add(tick, next)
//		}
//	}
package deadline

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vnykmshr/timerqueue/pkg/clock"
	tqerrors "github.com/vnykmshr/timerqueue/pkg/common/errors"
)

// parser accepts an optional leading seconds field and descriptors such as
// @hourly or @every 5m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Now returns the current boot time in nanoseconds.
func Now() int64 {
	return clock.BootTime()
}

// After returns the deadline d from now.
func After(d time.Duration) int64 {
	return Now() + int64(d)
}

// At returns the deadline for the wall clock instant t. Instants in the
// past map to now.
func At(t time.Time) int64 {
	return at(Now(), time.Now(), t)
}

// Parse validates a cron expression.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, tqerrors.NewValidationError("deadline", "cron", expr, err.Error()).
			WithHint("use five or six fields, or a descriptor like @hourly")
	}
	return sched, nil
}

// NextCron returns the deadline of the first occurrence of expr after from.
func NextCron(expr string, from time.Time) (int64, error) {
	sched, err := Parse(expr)
	if err != nil {
		return 0, err
	}
	return nextCron(sched, from, Now(), time.Now())
}

func nextCron(sched cron.Schedule, from time.Time, nowBoot int64, nowWall time.Time) (int64, error) {
	next := sched.Next(from)
	if next.IsZero() {
		return 0, tqerrors.NewOperationError("deadline", "NextCron", tqerrors.ErrNotFound).
			WithContext("no occurrence within five years")
	}
	return at(nowBoot, nowWall, next), nil
}

// at maps wall instant t onto the boot clock, given the same moment on
// both clocks.
func at(nowBoot int64, nowWall, t time.Time) int64 {
	d := t.Sub(nowWall)
	if d < 0 {
		d = 0
	}
	return nowBoot + int64(d)
}
