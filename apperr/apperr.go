// Package apperr defines the collaboration core's own typed error kinds and
// the disposition (log level, whether the connection survives) each one
// carries, instead of ad hoc errors.New calls scattered across packages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Kind identifies one of the core's error categories.
type Kind string

const (
	// Unauthorized means the connecting principal could not be
	// authenticated or is not permitted on the board. Fatal: the
	// connection is closed before it joins a room.
	Unauthorized Kind = "UNAUTHORIZED"

	// MalformedFrame means a binary or text frame could not even be
	// parsed into a recognizable shape. Non-fatal: the frame is dropped
	// and logged at debug.
	MalformedFrame Kind = "MALFORMED_FRAME"

	// MalformedSync means a SYNC/STEP1 payload failed to decode as a
	// state vector. Non-fatal: logged at warn, frame dropped.
	MalformedSync Kind = "MALFORMED_SYNC"

	// MalformedUpdate means a SYNC/STEP2 or SYNC/UPDATE payload failed to
	// decode as an update blob. Non-fatal: logged at warn, frame dropped.
	MalformedUpdate Kind = "MALFORMED_UPDATE"

	// StorageFailure means a persistence-adapter call (load or save)
	// failed. Non-fatal: logged at error, the session keeps running
	// in-memory; a failed initial load leaves the board's Document empty.
	StorageFailure Kind = "STORAGE_FAILURE"

	// SocketError means the underlying transport returned an error on
	// read or write. Fatal: the connection is torn down.
	SocketError Kind = "SOCKET_ERROR"

	// CapacityOverflow means a bound meant to protect the process (e.g.
	// an oversized frame) was exceeded. Fatal for the offending
	// connection only.
	CapacityOverflow Kind = "CAPACITY_OVERFLOW"
)

// Fatal reports whether an error of this Kind should terminate the
// connection it occurred on, as opposed to being logged and absorbed.
func (k Kind) Fatal() bool {
	switch k {
	case Unauthorized, SocketError, CapacityOverflow:
		return true
	default:
		return false
	}
}

// Level returns the slog level this Kind should be logged at.
func (k Kind) Level() slog.Level {
	switch k {
	case MalformedFrame:
		return slog.LevelDebug
	case MalformedSync, MalformedUpdate:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Error is the core's structured error type: a Kind plus a human-readable
// message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given Kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given Kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Log records err at its Kind's level via logger, including the Kind as a
// structured field so it can be filtered on.
func Log(logger *slog.Logger, err *Error) {
	logger.Log(context.Background(), err.Kind.Level(), err.Message, "kind", string(err.Kind), "cause", err.Cause)
}
