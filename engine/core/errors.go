package core

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrHeapExhausted   = errors.New("descriptor heap exhausted")
	ErrInvalidGeometry = errors.New("invalid geometry")
	ErrInvalidInstance = errors.New("invalid top-level instance")
	ErrDeviceCall      = errors.New("device call failed")
	ErrStaleFence      = errors.New("stale fence value")
	ErrUnknown         = errors.New("unknown")
)

// Fatalf returns an assertion failure marked with sentinel, so callers can
// match it with errors.Is while IsFatal still reports it as unrecoverable.
func Fatalf(sentinel error, format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedWithDepthf(1, format, args...), sentinel)
}

// DeviceError wraps a failure reported by the device layer. call names the
// failing device operation.
func DeviceError(err error, call string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "%s", call), ErrDeviceCall)
}

// IsFatal reports whether err belongs to the unrecoverable class:
// configuration/programming errors and device-call failures.
func IsFatal(err error) bool {
	return errors.IsAssertionFailure(err) || errors.Is(err, ErrDeviceCall)
}
