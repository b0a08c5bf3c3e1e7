// Package errkind tags errors with a closed set of failure kinds so the CLI
// can map any error surfaced by the sync core to a stable exit code without
// string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	Usage
	LocalIO
	TransportLost
	ProtocolError
	RemoteError
	Cancelled
	ResourceExhausted
	DeadlineExceeded
)

var kindNames = [...]string{
	Unknown:           "unknown",
	Usage:             "usage",
	LocalIO:           "local_io",
	TransportLost:     "transport_lost",
	ProtocolError:     "protocol_error",
	RemoteError:       "remote_error",
	Cancelled:         "cancelled",
	ResourceExhausted: "resource_exhausted",
	DeadlineExceeded:  "deadline_exceeded",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ExitCode maps a kind to the process exit code.
func (k Kind) ExitCode() int {
	switch k {
	case Usage:
		return 2
	case TransportLost, ProtocolError, DeadlineExceeded:
		return 10
	case RemoteError:
		return 11
	case Cancelled:
		return 12
	default:
		return 1
	}
}

// Error is an error tagged with a Kind. RemoteStderr carries the tail of the
// remote worker's stderr when the failure came from the other side.
type Error struct {
	Kind         Kind
	RemoteStderr string
	err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// New creates a tagged error from a format string.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, err: fmt.Errorf(format, args...)}
}

// Wrap tags err with k, keeping err in the unwrap chain. A nil err returns nil.
// If err is already tagged, the existing tag wins so the innermost
// classification survives re-wrapping on the way up the phase machine.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	if k2 := KindOf(err); k2 != Unknown {
		k = k2
	}
	return &Error{Kind: k, err: fmt.Errorf("%s: %w", msg, err)}
}

// KindOf extracts the kind from an error chain. Untagged errors are Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// StderrTail extracts the remote stderr tail from an error chain, if any.
func StderrTail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RemoteStderr
	}
	return ""
}

// WithStderr attaches a remote stderr tail to a tagged error. Untagged errors
// are first tagged RemoteError.
func WithStderr(err error, tail string) error {
	if err == nil || tail == "" {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		e.RemoteStderr = tail
		return err
	}
	return &Error{Kind: RemoteError, RemoteStderr: tail, err: err}
}

// ExitCode returns the exit code for any error (0 for nil).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
