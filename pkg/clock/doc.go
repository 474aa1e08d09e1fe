/*
Package clock abstracts the OS timers that drive a timer queue.

A Clock owns one wait-set and any number of one-shot timers registered in it.
Each timer is armed to an absolute deadline on the boot-time clock
(nanoseconds since boot, counting time spent suspended). Wait blocks until
any timer of the clock fires and reports which one.

	c := clock.NewSystemClock(nil)
	defer c.Close()

	h := c.CreateTimer(clock.Boottime)
	_ = c.SetTimer(h, clock.BootTime()+int64(10*time.Millisecond))

	switch fired := c.Wait(-1); fired {
	case clock.PendingHandle, clock.InterruptedHandle:
		// retry
	case clock.InvalidHandle:
		// clock unusable
	default:
		// fired == h
	}

Timer classes:

  - Boottime counts suspended time but never wakes a suspended device.
  - BoottimeAlarm wakes the device. On Linux this needs CAP_WAKE_ALARM;
    without it CreateTimer returns InvalidHandle.

On Linux the system clock is backed by timerfd(2) descriptors multiplexed
through one epoll(7) instance. Other platforms get a clock that is never
Ready.

The interface is the seam for deterministic tests: internal/testutil
provides a FakeClock whose time only moves when the test advances it.
*/
package clock
