package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a source file is modified while its
// contents are being streamed to the destination.
var ErrFileChanged = New("file contents changed during sync")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// RemoteError is an application-level failure reported by the peer in an
// ErrorResponse packet. The flags tell the caller whether retrying the
// whole sync cycle can succeed, and whether it should back off first.
type RemoteError struct {
	Message     string
	Recoverable bool
	NeedToWait  bool
}

func (err RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", err.Message)
}
