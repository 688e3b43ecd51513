package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents a HAL operation status code
type Status int

// HAL status codes. Every code except StatusSuccess maps onto one Linux errno
// so results can be reported the way the kernel i2c and dmaengine layers do.
const (
	StatusSuccess Status = iota
	StatusInvalidArgument
	StatusOutOfMemory
	StatusTimeout
	StatusNoDevice
	StatusTryAgain
	StatusIOError
	StatusRemoteIOError
	StatusNotFound
	StatusBusy
	StatusNotSupported
	StatusMappingFailed
	StatusOperationFailed
)

var statusMessages = map[Status]string{
	StatusSuccess:         "success",
	StatusInvalidArgument: "invalid argument",
	StatusOutOfMemory:     "out of memory",
	StatusTimeout:         "timed out",
	StatusNoDevice:        "no such device or address",
	StatusTryAgain:        "try again",
	StatusIOError:         "I/O error",
	StatusRemoteIOError:   "remote I/O error",
	StatusNotFound:        "not found",
	StatusBusy:            "resource busy",
	StatusNotSupported:    "operation not supported",
	StatusMappingFailed:   "register mapping failed",
	StatusOperationFailed: "operation failed",
}

var statusErrnos = map[Status]unix.Errno{
	StatusInvalidArgument: unix.EINVAL,
	StatusOutOfMemory:     unix.ENOMEM,
	StatusTimeout:         unix.ETIMEDOUT,
	StatusNoDevice:        unix.ENXIO,
	StatusTryAgain:        unix.EAGAIN,
	StatusIOError:         unix.EIO,
	StatusRemoteIOError:   unix.EREMOTEIO,
	StatusNotFound:        unix.ENODEV,
	StatusBusy:            unix.EBUSY,
	StatusNotSupported:    unix.EOPNOTSUPP,
	StatusMappingFailed:   unix.EFAULT,
	StatusOperationFailed: unix.EIO,
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Errno returns the errno a status is reported as. StatusSuccess and
// unknown codes return 0.
func (s Status) Errno() unix.Errno {
	return statusErrnos[s]
}

// Error represents an error raised by a driver in this module
type Error struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same status, or the errno
// this status maps to.
func (e *Error) Is(target error) bool {
	var drvErr *Error
	if errors.As(target, &drvErr) {
		return e.Status == drvErr.Status
	}
	var errno unix.Errno
	if errors.As(target, &errno) {
		return errno != 0 && e.Status.Errno() == errno
	}
	return false
}

// NewError creates a new Error with the given status
func NewError(status Status, context string) *Error {
	return &Error{
		Status:  status,
		Context: context,
	}
}

// NewErrorWithCause creates a new Error with an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *Error {
	return &Error{
		Status:  status,
		Context: context,
		Cause:   cause,
	}
}

// ErrnoToStatus converts a Linux errno to a status
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case 0:
		return StatusSuccess
	case unix.EINVAL, unix.ERANGE:
		return StatusInvalidArgument
	case unix.ENOMEM, unix.ENOBUFS:
		return StatusOutOfMemory
	case unix.ETIMEDOUT:
		return StatusTimeout
	case unix.ENXIO:
		return StatusNoDevice
	case unix.EAGAIN:
		return StatusTryAgain
	case unix.EIO:
		return StatusIOError
	case unix.EREMOTEIO:
		return StatusRemoteIOError
	case unix.ENODEV, unix.ENOENT:
		return StatusNotFound
	case unix.EBUSY:
		return StatusBusy
	case unix.EOPNOTSUPP:
		return StatusNotSupported
	case unix.EFAULT, unix.EACCES, unix.EPERM:
		return StatusMappingFailed
	default:
		return StatusOperationFailed
	}
}

// StatusFromErrno creates an Error from an errno
func StatusFromErrno(errno unix.Errno, context string) *Error {
	return &Error{
		Status:  ErrnoToStatus(errno),
		Context: context,
		Cause:   errno,
	}
}

// StatusOf extracts the status carried by err. Bare errnos are translated,
// anything else is StatusOperationFailed. A nil error is StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var drvErr *Error
	if errors.As(err, &drvErr) {
		return drvErr.Status
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return ErrnoToStatus(errno)
	}
	return StatusOperationFailed
}

// Code returns the kernel-style result code for err: 0 for nil, otherwise
// the negated errno of its status.
func Code(err error) int {
	if err == nil {
		return 0
	}
	errno := StatusOf(err).Errno()
	if errno == 0 {
		errno = unix.EIO
	}
	return -int(errno)
}
