package blkdev

import (
	"errors"
	"fmt"
)

// ErrorCode is a high-level error category from the completion
// classifier and the admission paths.
type ErrorCode string

const (
	ErrCodeNoConnection  ErrorCode = "no connection to device"
	ErrCodeMediaChanged  ErrorCode = "media changed"
	ErrCodeIllegal       ErrorCode = "illegal request"
	ErrCodeCapability    ErrorCode = "capability mismatch"
	ErrCodeOverflow      ErrorCode = "volume overflow"
	ErrCodeNotReady      ErrorCode = "device not ready"
	ErrCodeUnclassified  ErrorCode = "unclassified device error"
	ErrCodeUnknownPolicy ErrorCode = "unknown scheduler policy"
	ErrCodeSwitchBusy    ErrorCode = "scheduler switch timed out"
	ErrCodeIOError       ErrorCode = "I/O error"
)

// Error is a structured error with device and operation context.
type Error struct {
	Op     string    // operation that failed (e.g. "SUBMIT", "SWITCH")
	Device string    // device name ("" if not applicable)
	Code   ErrorCode // high-level category
	Msg    string    // human-readable message
	Inner  error     // wrapped error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.Device != "":
		return fmt.Sprintf("blksched: %s (op=%s, dev=%s)", msg, e.Op, e.Device)
	case e.Op != "":
		return fmt.Sprintf("blksched: %s (op=%s)", msg, e.Op)
	case e.Device != "":
		return fmt.Sprintf("blksched: %s (dev=%s)", msg, e.Device)
	}
	return fmt.Sprintf("blksched: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is matches by code so sentinel comparison via errors.Is works.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}
	return false
}

// SentinelError is the comparable form of an error category.
type SentinelError string

func (e SentinelError) Error() string { return "blksched: " + string(e) }

// Sentinels for the user-visible taxonomy. Transient device/host busy
// conditions are resolved internally and never surface here.
const (
	ErrNoConnection  SentinelError = SentinelError(ErrCodeNoConnection)
	ErrMediaChanged  SentinelError = SentinelError(ErrCodeMediaChanged)
	ErrIllegal       SentinelError = SentinelError(ErrCodeIllegal)
	ErrOverflow      SentinelError = SentinelError(ErrCodeOverflow)
	ErrNotReady      SentinelError = SentinelError(ErrCodeNotReady)
	ErrUnclassified  SentinelError = SentinelError(ErrCodeUnclassified)
	ErrUnknownPolicy SentinelError = SentinelError(ErrCodeUnknownPolicy)
	ErrSwitchBusy    SentinelError = SentinelError(ErrCodeSwitchBusy)
	ErrIOError       SentinelError = SentinelError(ErrCodeIOError)
)

// NewError creates a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDeviceError creates a device-scoped structured error.
func NewDeviceError(op, device string, code ErrorCode) *Error {
	return &Error{Op: op, Device: device, Code: code}
}

// WrapError wraps an existing error with operation context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, Device: be.Device, Code: be.Code, Msg: be.Msg, Inner: be.Inner}
	}
	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	if se, ok := err.(SentinelError); ok {
		return ErrorCode(se) == code
	}
	return false
}
