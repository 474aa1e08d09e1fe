//go:build linux

package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sys/unix"

	tqerrors "github.com/vnykmshr/timerqueue/pkg/common/errors"
)

// EPOLLWAKEUP keeps the system awake while a wake timer event is pending.
// The kernel silently drops it without CAP_BLOCK_SUSPEND.
const epollWakeup = 0x20000000

// systemClock multiplexes timerfd timers through a single epoll instance.
type systemClock struct {
	epfd   int
	logger *slog.Logger

	mu      sync.Mutex
	handles map[Handle]Type
}

// NewSystemClock creates the OS-backed clock. Initialization failures are
// logged and leave the clock not Ready; a nil logger uses slog.Default().
func NewSystemClock(logger *slog.Logger) Clock {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "clock")

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logger.Error("epoll create failed", "error", err)
		epfd = -1
	}
	return &systemClock{
		epfd:    epfd,
		logger:  logger,
		handles: make(map[Handle]Type),
	}
}

// BootTime returns CLOCK_BOOTTIME in nanoseconds.
func BootTime() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

func (c *systemClock) Ready() bool {
	return c.epfd >= 0
}

func (c *systemClock) Now() int64 {
	return BootTime()
}

func (c *systemClock) CreateTimer(t Type) Handle {
	if !c.Ready() {
		return InvalidHandle
	}

	var id int
	switch t {
	case Boottime:
		id = unix.CLOCK_BOOTTIME
	case BoottimeAlarm:
		id = unix.CLOCK_BOOTTIME_ALARM
	default:
		c.logger.Error("invalid timer type", "type", t)
		return InvalidHandle
	}

	// BoottimeAlarm commonly fails with EPERM without CAP_WAKE_ALARM.
	fd, err := unix.TimerfdCreate(id, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		c.logger.Error("timerfd create failed", "type", t, "error", err)
		return InvalidHandle
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | epollWakeup, Fd: int32(fd)}
	if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		c.logger.Error("epoll add failed", "type", t, "fd", fd, "error", err)
		_ = unix.Close(fd)
		return InvalidHandle
	}

	h := Handle(fd)
	c.mu.Lock()
	c.handles[h] = t
	c.mu.Unlock()
	return h
}

func (c *systemClock) DestroyTimer(h Handle) error {
	c.mu.Lock()
	_, ok := c.handles[h]
	delete(c.handles, h)
	c.mu.Unlock()
	if !ok {
		return tqerrors.NewOperationError("clock", "DestroyTimer", tqerrors.ErrNotFound).
			WithContext(h.String())
	}

	// Deregister before close so epoll never reports a recycled descriptor.
	delErr := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_DEL, int(h), nil)
	closeErr := unix.Close(int(h))
	if err := errors.Join(delErr, closeErr); err != nil {
		return tqerrors.NewOperationError("clock", "DestroyTimer", err).WithContext(h.String())
	}
	return nil
}

func (c *systemClock) SetTimer(h Handle, deadline int64) error {
	if !c.Ready() {
		return tqerrors.NewOperationError("clock", "SetTimer", tqerrors.ErrNotReady)
	}
	c.mu.Lock()
	_, ok := c.handles[h]
	c.mu.Unlock()
	if !ok {
		// Never touch a descriptor this clock does not own.
		return tqerrors.NewOperationError("clock", "SetTimer", tqerrors.ErrNotFound).
			WithContext(h.String())
	}

	var spec unix.ItimerSpec
	if deadline > 0 {
		spec.Value = unix.NsecToTimespec(deadline)
	}
	if err := unix.TimerfdSettime(int(h), unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		return tqerrors.NewOperationError("clock", "SetTimer", err).WithContext(h.String())
	}
	return nil
}

func (c *systemClock) Wait(timeout int64) Handle {
	if !c.Ready() {
		return InvalidHandle
	}

	var events [1]unix.EpollEvent
	n, err := unix.EpollWait(c.epfd, events[:], waitMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return InterruptedHandle
		}
		c.logger.Error("epoll wait failed", "epfd", c.epfd, "error", err)
		return InvalidHandle
	}
	if n == 0 {
		return PendingHandle
	}

	// Consume the expiration count, otherwise epoll reports the timer
	// readable again immediately.
	fd := int(events[0].Fd)
	var expirations [8]byte
	if _, err := unix.Read(fd, expirations[:]); err != nil {
		// EAGAIN: the timer was re-armed between readiness and read.
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return PendingHandle
		}
		c.logger.Error("timer read failed", "fd", fd, "error", err)
		return InvalidHandle
	}
	return Handle(fd)
}

func (c *systemClock) Close() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[Handle]Type)
	c.mu.Unlock()

	var errs []error
	for h := range handles {
		if err := unix.Close(int(h)); err != nil {
			errs = append(errs, fmt.Errorf("close timer %d: %w", int(h), err))
		}
	}
	if c.epfd >= 0 {
		if err := unix.Close(c.epfd); err != nil {
			errs = append(errs, fmt.Errorf("close epoll %d: %w", c.epfd, err))
		}
		c.epfd = -1
	}
	return errors.Join(errs...)
}

// waitMillis converts a nanosecond timeout to epoll milliseconds, rounding
// up so short positive timeouts do not turn into a busy poll.
func waitMillis(timeout int64) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / 1_000_000
	if timeout%1_000_000 != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
