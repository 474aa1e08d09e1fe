package clock

import "fmt"

// Handle identifies one timer within a Clock. Valid handles are
// non-negative; negative values are sentinels returned by Wait and
// CreateTimer.
type Handle int

const (
	// InvalidHandle reports a failed operation or an unusable clock.
	InvalidHandle Handle = -1
	// PendingHandle reports that Wait timed out with no timer fired.
	PendingHandle Handle = -2
	// InterruptedHandle reports that Wait was interrupted by a signal and
	// should be retried immediately.
	InterruptedHandle Handle = -3
)

// Valid reports whether h names a timer rather than a sentinel.
func (h Handle) Valid() bool {
	return h >= 0
}

func (h Handle) String() string {
	switch h {
	case InvalidHandle:
		return "invalid"
	case PendingHandle:
		return "pending"
	case InterruptedHandle:
		return "interrupted"
	}
	return fmt.Sprintf("timer(%d)", int(h))
}

// Type selects the wake class of a timer.
type Type int

const (
	// Boottime elapses across suspend but does not wake the device.
	Boottime Type = iota
	// BoottimeAlarm wakes a suspended device when it fires.
	BoottimeAlarm
)

func (t Type) String() string {
	switch t {
	case Boottime:
		return "boottime"
	case BoottimeAlarm:
		return "boottime_alarm"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Clock creates, arms and waits on one-shot timers.
//
// Implementations must allow SetTimer to be called while another goroutine
// is blocked in Wait. CreateTimer, DestroyTimer and Close are not expected
// to race with each other.
type Clock interface {
	// CreateTimer allocates a timer of the given class and registers it with
	// the clock's wait-set. Returns InvalidHandle on failure.
	CreateTimer(t Type) Handle

	// DestroyTimer deregisters the timer and releases it.
	// Returns an error wrapping errors.ErrNotFound for unknown handles.
	DestroyTimer(h Handle) error

	// SetTimer arms the timer to fire at the absolute boot time deadline
	// in nanoseconds. A deadline of 0 disarms it.
	SetTimer(h Handle, deadline int64) error

	// Wait blocks until a timer fires or timeout nanoseconds elapse.
	// A negative timeout waits forever. Returns the fired handle,
	// PendingHandle, InterruptedHandle or InvalidHandle.
	Wait(timeout int64) Handle

	// Ready reports whether the clock initialized successfully.
	Ready() bool

	// Now returns the current boot time in nanoseconds as seen by this clock.
	Now() int64

	// Close releases the wait-set and every outstanding timer.
	Close() error
}
