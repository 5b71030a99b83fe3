//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// Status is a BeOS-compatible result code. Every error returned by this
// package is a Status or a *HostError wrapping ErrGeneric.
type Status int32

const (
	generalErrorBase = math.MinInt32
	osErrorBase      = generalErrorBase + 0x1000
)

// OK is the success code. It is never returned as an error.
const OK Status = 0

// General errors.
const (
	ErrGeneric          Status = -1
	ErrNoMemory         Status = generalErrorBase + 0
	ErrIO               Status = generalErrorBase + 1
	ErrPermissionDenied Status = generalErrorBase + 2
	ErrBadIndex         Status = generalErrorBase + 3
	ErrBadType          Status = generalErrorBase + 4
	ErrBadValue         Status = generalErrorBase + 5
	ErrMismatchedValues Status = generalErrorBase + 6
	ErrNameNotFound     Status = generalErrorBase + 7
	ErrNameInUse        Status = generalErrorBase + 8
	ErrTimedOut         Status = generalErrorBase + 9
	ErrInterrupted      Status = generalErrorBase + 10
	ErrWouldBlock       Status = generalErrorBase + 11
	ErrCanceled         Status = generalErrorBase + 12
	ErrNoInit           Status = generalErrorBase + 13
	ErrBusy             Status = generalErrorBase + 14
	ErrNotAllowed       Status = generalErrorBase + 15
	ErrBadData          Status = generalErrorBase + 16
	ErrNotSupported     Status = generalErrorBase + 0x6009
)

// Kernel kit errors.
const (
	ErrBadSemID       Status = osErrorBase + 0
	ErrNoMoreSems     Status = osErrorBase + 1
	ErrBadThreadID    Status = osErrorBase + 0x100
	ErrNoMoreThreads  Status = osErrorBase + 0x101
	ErrBadThreadState Status = osErrorBase + 0x102
	ErrBadTeamID      Status = osErrorBase + 0x103
	ErrNoMoreTeams    Status = osErrorBase + 0x104
	ErrBadPortID      Status = osErrorBase + 0x200
	ErrNoMorePorts    Status = osErrorBase + 0x201
)

var statusText = map[Status]string{
	OK:                  "no error",
	ErrGeneric:          "general error",
	ErrNoMemory:         "out of memory",
	ErrIO:               "I/O error",
	ErrPermissionDenied: "permission denied",
	ErrBadIndex:         "index not in range for the data set",
	ErrBadType:          "bad argument type passed to function",
	ErrBadValue:         "bad value",
	ErrMismatchedValues: "mismatched values passed to function",
	ErrNameNotFound:     "name not found",
	ErrNameInUse:        "name in use",
	ErrTimedOut:         "operation timed out",
	ErrInterrupted:      "interrupted",
	ErrWouldBlock:       "operation would block",
	ErrCanceled:         "operation canceled",
	ErrNoInit:           "initialization failed",
	ErrBusy:             "device/file/resource busy",
	ErrNotAllowed:       "operation not allowed",
	ErrBadData:          "bad data",
	ErrNotSupported:     "operation not supported",
	ErrBadSemID:         "bad semaphore ID",
	ErrNoMoreSems:       "no more semaphores",
	ErrBadThreadID:      "no such thread",
	ErrNoMoreThreads:    "no more threads",
	ErrBadThreadState:   "thread is inappropriate state",
	ErrBadTeamID:        "operation on invalid team",
	ErrNoMoreTeams:      "no more teams",
	ErrBadPortID:        "bad port ID",
	ErrNoMorePorts:      "no more ports available",
}

func (s Status) Error() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("status %#x", uint32(s))
}

// StatusOf returns the Status carried by err: OK for nil, ErrGeneric for
// errors this package did not produce.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ErrGeneric
}

// HostError is a host failure with no dedicated Status. It matches ErrGeneric
// under errors.Is and keeps the original cause for diagnostics: Errno for a
// host error number, Err for anything else.
type HostError struct {
	Op    string
	Errno unix.Errno
	Err   error
}

func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Errno)
}

func (e *HostError) Is(target error) bool {
	return target == ErrGeneric
}

func (e *HostError) As(target any) bool {
	if s, ok := target.(*Status); ok {
		*s = ErrGeneric
		return true
	}
	return false
}

func (e *HostError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Errno
}

// errnoTable maps the host error numbers one domain understands.
type errnoTable map[unix.Errno]Status

var commonErrnos = errnoTable{
	unix.EINTR:      ErrInterrupted,
	unix.EAGAIN:     ErrWouldBlock,
	unix.ETIMEDOUT:  ErrTimedOut,
	unix.ENOMEM:     ErrNoMemory,
	unix.EPERM:      ErrPermissionDenied,
	unix.EACCES:     ErrPermissionDenied,
	unix.EINVAL:     ErrBadValue,
	unix.ENOSYS:     ErrNotSupported,
	unix.EOPNOTSUPP: ErrNotSupported,
}

var threadErrnos = errnoTable{
	unix.EAGAIN: ErrNoMoreThreads,
	unix.EPERM:  ErrPermissionDenied,
	unix.ESRCH:  ErrBadThreadID,
	unix.EINVAL: ErrBadValue,
}

var portErrnos = errnoTable{
	unix.EBADF:        ErrBadPortID,
	unix.ENOTSOCK:     ErrBadPortID,
	unix.EPIPE:        ErrBadPortID,
	unix.ECONNREFUSED: ErrBadPortID,
	unix.ENOENT:       ErrBadPortID,
	unix.EAGAIN:       ErrWouldBlock,
	unix.EINTR:        ErrInterrupted,
	unix.EINVAL:       ErrBadValue,
	unix.EMSGSIZE:     ErrBadValue,
	unix.ENOMEM:       ErrNoMemory,
	unix.ENOBUFS:      ErrNoMemory,
	unix.EMFILE:       ErrNoMorePorts,
	unix.ENFILE:       ErrNoMorePorts,
}

var areaErrnos = errnoTable{
	unix.EINVAL: ErrBadValue,
	unix.EIDRM:  ErrBadValue,
	unix.ENOENT: ErrBadValue,
	unix.ENOMEM: ErrNoMemory,
	unix.ENOSPC: ErrNoMemory,
	unix.ENFILE: ErrNoMemory,
	unix.EPERM:  ErrPermissionDenied,
	unix.EACCES: ErrPermissionDenied,
	unix.EAGAIN: ErrNoMemory,
}

// translate converts a host error into a Status or a *HostError.
func (t errnoTable) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		var s Status
		if errors.As(err, &s) {
			return s
		}
		return &HostError{Op: op, Err: err}
	}
	if s, ok := t[errno]; ok {
		return s
	}
	if s, ok := commonErrnos[errno]; ok {
		return s
	}
	return &HostError{Op: op, Errno: errno}
}
