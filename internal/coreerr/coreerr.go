// Package coreerr defines the error taxonomy shared by every core component.
//
// Components return plain errors wrapped with fmt.Errorf, same as the rest of
// this codebase; coreerr just gives those errors a classifiable Kind so that
// callers at the edge (cmd/driftd, delegate callbacks) can make coarse
// decisions (retry vs. surface vs. log-and-ignore) without parsing strings.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for caller-facing handling.
type Kind string

const (
	NotInitialized    Kind = "not_initialized"
	AlreadyRunning    Kind = "already_running"
	StorageError      Kind = "storage_error"
	CryptoError       Kind = "crypto_error"
	NetworkError      Kind = "network_error"
	InvalidInput      Kind = "invalid_input"
	QuotaExceeded     Kind = "quota_exceeded"
	AllPathsExhausted Kind = "all_paths_exhausted"
	Cancelled         Kind = "cancelled"
	Timeout           Kind = "timeout"
	Internal          Kind = "internal"
)

// Error is a Kind-tagged wrapped error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags an existing error with a Kind, preserving it for errors.Unwrap/Is.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is a *Error,
// otherwise Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
