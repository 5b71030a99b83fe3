//go:build linux

package kernel

import (
	"time"

	"golang.org/x/sys/unix"
)

// Bigtime is a time value in microseconds, relative or on the SystemTime clock.
type Bigtime int64

// Infinite is the timeout meaning "never".
const Infinite Bigtime = 1<<63 - 1

// Duration converts b to a time.Duration, saturating on overflow.
func (b Bigtime) Duration() time.Duration {
	if b >= Bigtime(time.Duration(1<<63-1)/time.Microsecond) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(b) * time.Microsecond
}

// Microseconds converts d to a Bigtime.
func Microseconds(d time.Duration) Bigtime {
	return Bigtime(d / time.Microsecond)
}

// SystemTime returns the monotonic clock in microseconds since boot.
func SystemTime() Bigtime {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return Bigtime(ts.Nano() / int64(time.Microsecond))
}

// Flags modify blocking semaphore and port operations.
type Flags uint32

const (
	CanInterrupt     Flags = 0x01
	DoNotReschedule  Flags = 0x02
	CheckPermission  Flags = 0x04
	RelativeTimeout  Flags = 0x08
	AbsoluteTimeout  Flags = 0x10
	KillCanInterrupt Flags = 0x20

	// Timeout is the port-call spelling of RelativeTimeout.
	Timeout = RelativeTimeout
)

// deadline is the resolved form of a (flags, timeout) pair.
type deadline struct {
	at      time.Time
	bounded bool
	poll    bool // zero relative timeout: try once, never block
}

func resolveDeadline(flags Flags, timeout Bigtime) deadline {
	switch {
	case flags&RelativeTimeout != 0:
		if timeout <= 0 {
			return deadline{poll: true}
		}
		if timeout == Infinite {
			return deadline{}
		}
		return deadline{at: time.Now().Add(timeout.Duration()), bounded: true}
	case flags&AbsoluteTimeout != 0:
		if timeout == Infinite {
			return deadline{}
		}
		return deadline{at: time.Now().Add((timeout - SystemTime()).Duration()), bounded: true}
	default:
		return deadline{}
	}
}

// remaining returns the time left, or -1 when unbounded.
func (d deadline) remaining() time.Duration {
	if !d.bounded {
		return -1
	}
	if r := time.Until(d.at); r > 0 {
		return r
	}
	return 0
}

func (d deadline) expired() bool {
	return d.poll || (d.bounded && !time.Now().Before(d.at))
}

// slice caps the next host wait at step so cancellation is rechecked.
func (d deadline) slice(step time.Duration) time.Duration {
	r := d.remaining()
	if r < 0 || r > step {
		return step
	}
	return r
}
