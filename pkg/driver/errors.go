package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents a Rocket operation status code
type Status int

// Rocket status codes
const (
	StatusSuccess              Status = 0
	StatusInvalidArgument      Status = 1
	StatusNoMemory             Status = 2
	StatusMapFailed            Status = 3
	StatusBusy                 Status = 4
	StatusTimedOut             Status = 5
	StatusHardwareFault        Status = 6
	StatusConsistencyViolation Status = 7
	StatusNotFound             Status = 8
	StatusDeviceClosed         Status = 9
	StatusAlreadySignaled      Status = 10
)

var statusMessages = map[Status]string{
	StatusSuccess:              "success",
	StatusInvalidArgument:      "invalid argument",
	StatusNoMemory:             "out of memory",
	StatusMapFailed:            "address translation mapping failed",
	StatusBusy:                 "busy",
	StatusTimedOut:             "timed out",
	StatusHardwareFault:        "hardware fault",
	StatusConsistencyViolation: "consistency violation",
	StatusNotFound:             "not found",
	StatusDeviceClosed:         "device closed",
	StatusAlreadySignaled:      "fence already signaled",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Errno returns the errno a device-control request reports for this status
func (s Status) Errno() unix.Errno {
	switch s {
	case StatusSuccess:
		return 0
	case StatusInvalidArgument, StatusAlreadySignaled:
		return unix.EINVAL
	case StatusNoMemory:
		return unix.ENOMEM
	case StatusMapFailed:
		return unix.EFAULT
	case StatusBusy:
		return unix.EBUSY
	case StatusTimedOut:
		return unix.ETIMEDOUT
	case StatusHardwareFault:
		return unix.EIO
	case StatusConsistencyViolation:
		return unix.EUCLEAN
	case StatusNotFound:
		return unix.ENOENT
	case StatusDeviceClosed:
		return unix.ENODEV
	default:
		return unix.EIO
	}
}

// RocketError represents an error from the scheduling and residency core
type RocketError struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *RocketError) Error() string {
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
func (e *RocketError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *RocketError) Is(target error) bool {
	var rocketErr *RocketError
	if errors.As(target, &rocketErr) {
		return e.Status == rocketErr.Status
	}
	return false
}

// Sentinels for errors.Is comparisons. Only the status is compared.
var (
	ErrInvalidArgument      = NewError(StatusInvalidArgument, "")
	ErrNoMemory             = NewError(StatusNoMemory, "")
	ErrMapFailed            = NewError(StatusMapFailed, "")
	ErrBusy                 = NewError(StatusBusy, "")
	ErrTimedOut             = NewError(StatusTimedOut, "")
	ErrHardwareFault        = NewError(StatusHardwareFault, "")
	ErrConsistencyViolation = NewError(StatusConsistencyViolation, "")
	ErrNotFound             = NewError(StatusNotFound, "")
	ErrDeviceClosed         = NewError(StatusDeviceClosed, "")
	ErrAlreadySignaled      = NewError(StatusAlreadySignaled, "")
)

// NewError creates a new RocketError with the given status
func NewError(status Status, context string) *RocketError {
	return &RocketError{
		Status:  status,
		Context: context,
	}
}

// NewErrorWithCause creates a new RocketError with an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *RocketError {
	return &RocketError{
		Status:  status,
		Context: context,
		Cause:   cause,
	}
}

// StatusOf extracts the status carried by err. Errors that are not
// RocketErrors map to StatusHardwareFault, nil maps to StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var rocketErr *RocketError
	if errors.As(err, &rocketErr) {
		return rocketErr.Status
	}
	return StatusHardwareFault
}

// ErrnoToStatus converts a Linux errno to a Rocket status
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case 0:
		return StatusSuccess
	case unix.EINVAL:
		return StatusInvalidArgument
	case unix.ENOMEM:
		return StatusNoMemory
	case unix.EFAULT:
		return StatusMapFailed
	case unix.EBUSY:
		return StatusBusy
	case unix.ETIMEDOUT:
		return StatusTimedOut
	case unix.EUCLEAN:
		return StatusConsistencyViolation
	case unix.ENOENT:
		return StatusNotFound
	case unix.ENODEV:
		return StatusDeviceClosed
	default:
		return StatusHardwareFault
	}
}

// StatusFromErrno creates a RocketError from an errno
func StatusFromErrno(errno unix.Errno, context string) *RocketError {
	return &RocketError{
		Status:  ErrnoToStatus(errno),
		Context: context,
		Cause:   errno,
	}
}

// ToErrno converts any error into the errno reported by a device-control request
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return StatusOf(err).Errno()
}
