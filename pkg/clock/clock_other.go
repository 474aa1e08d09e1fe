//go:build !linux

package clock

import (
	"log/slog"
	"time"

	tqerrors "github.com/vnykmshr/timerqueue/pkg/common/errors"
)

var processStart = time.Now()

// stubClock is returned on platforms without timerfd. It is never Ready.
type stubClock struct{}

// NewSystemClock returns a clock that is never Ready on this platform.
func NewSystemClock(logger *slog.Logger) Clock {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("no OS timer backend on this platform", "component", "clock")
	return stubClock{}
}

// BootTime returns monotonic nanoseconds since process start. Without
// CLOCK_BOOTTIME, suspended time may not be counted.
func BootTime() int64 {
	return int64(time.Since(processStart))
}

func (stubClock) Ready() bool { return false }

func (stubClock) Now() int64 { return BootTime() }

func (stubClock) CreateTimer(Type) Handle { return InvalidHandle }

func (stubClock) DestroyTimer(Handle) error {
	return tqerrors.NewOperationError("clock", "DestroyTimer", tqerrors.ErrUnsupported)
}

func (stubClock) SetTimer(Handle, int64) error {
	return tqerrors.NewOperationError("clock", "SetTimer", tqerrors.ErrUnsupported)
}

func (stubClock) Wait(int64) Handle { return InvalidHandle }

func (stubClock) Close() error { return nil }
