package source

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a store failure for the sync engine.
type ErrorKind int

const (
	// KindFatal means the store cannot be read at all.
	KindFatal ErrorKind = iota + 1

	// KindOutOfSync means the store's layout disagrees with the index.
	KindOutOfSync
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindOutOfSync:
		return "out of sync"
	default:
		return "unknown"
	}
}

// Error is the only error kind stores surface to the sync engine.
type Error struct {
	Kind ErrorKind

	// URI names the store.
	URI string

	// Message describes the problem.
	Message string

	// Fix is the suggested corrective command, set for out-of-sync errors.
	Fix string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: store %s: %s", e.Kind, e.URI, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Fix != "" {
		msg += " (run: " + e.Fix + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a fatal error for the store at uri.
func Fatal(uri string, err error) error {
	return &Error{Kind: KindFatal, URI: uri, Message: "store unreadable", Err: err}
}

// OutOfSync reports that the store at uri no longer matches the index.
func OutOfSync(id int64, uri, format string, args ...any) error {
	return &Error{
		Kind:    KindOutOfSync,
		URI:     uri,
		Message: fmt.Sprintf(format, args...),
		Fix:     RebuildCommand(id),
	}
}

// RebuildCommand is the command that re-derives all locators of a store.
func RebuildCommand(id int64) string {
	return fmt.Sprintf("mailsync rebuild --store %d", id)
}

// IsFatal reports whether err (or any error in its chain) is a fatal
// store error.
func IsFatal(err error) bool {
	var serr *Error
	return errors.As(err, &serr) && serr.Kind == KindFatal
}

// IsOutOfSync reports whether err (or any error in its chain) is an
// out-of-sync store error.
func IsOutOfSync(err error) bool {
	var serr *Error
	return errors.As(err, &serr) && serr.Kind == KindOutOfSync
}

// Classify converts any error returned by a store into a *Error. Errors
// that are already classified pass through; everything else is fatal.
func Classify(uri string, err error) *Error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	return Fatal(uri, err).(*Error)
}
