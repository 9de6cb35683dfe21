package blksched

import "github.com/ehrlich-b/go-blksched/internal/blkdev"

// Error is the structured error returned throughout the scheduling
// core.
type Error = blkdev.Error

// ErrorCode categorizes an Error.
type ErrorCode = blkdev.ErrorCode

const (
	ErrCodeNoConnection  = blkdev.ErrCodeNoConnection
	ErrCodeMediaChanged  = blkdev.ErrCodeMediaChanged
	ErrCodeIllegal       = blkdev.ErrCodeIllegal
	ErrCodeCapability    = blkdev.ErrCodeCapability
	ErrCodeOverflow      = blkdev.ErrCodeOverflow
	ErrCodeNotReady      = blkdev.ErrCodeNotReady
	ErrCodeUnclassified  = blkdev.ErrCodeUnclassified
	ErrCodeUnknownPolicy = blkdev.ErrCodeUnknownPolicy
	ErrCodeSwitchBusy    = blkdev.ErrCodeSwitchBusy
	ErrCodeIOError       = blkdev.ErrCodeIOError
)

// Sentinel errors for errors.Is matching.
var (
	ErrNoConnection  = blkdev.ErrNoConnection
	ErrMediaChanged  = blkdev.ErrMediaChanged
	ErrNotReady      = blkdev.ErrNotReady
	ErrUnknownPolicy = blkdev.ErrUnknownPolicy
)

// NewError creates a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return blkdev.NewError(op, code, msg)
}

// NewDeviceError creates a device-scoped structured error.
func NewDeviceError(op, device string, code ErrorCode) *Error {
	return blkdev.NewDeviceError(op, device, code)
}

// WrapError wraps an existing error with operation context.
func WrapError(op string, inner error) *Error {
	return blkdev.WrapError(op, inner)
}

// IsCode reports whether err carries the given code anywhere in its
// chain.
func IsCode(err error, code ErrorCode) bool {
	return blkdev.IsCode(err, code)
}
