package remote

import (
	"context"
	"errors"
	"fmt"
)

// Error is the single error kind returned for remote file failures,
// regardless of which transport produced it.
type Error struct {
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote file %s: %s", e.Path, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsSourceError reports whether err (or any error in its chain) is a
// remote *Error.
func IsSourceError(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr)
}

// TransientError marks a transport fault that is worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient transport error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient is the default retry predicate: it matches errors wrapped
// in *TransientError.
func IsTransient(err error) bool {
	var terr *TransientError
	return errors.As(err, &terr)
}

// Retry calls fn until it succeeds, fails with an error the transient
// predicate rejects, or has been retried maxRetries times. It returns the
// number of attempts made alongside the final error.
func Retry(
	ctx context.Context,
	maxRetries int,
	transient func(error) bool,
	fn func(ctx context.Context) error,
) (int, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var err error
	attempts := 0
	for attempts <= maxRetries {
		if cerr := ctx.Err(); cerr != nil {
			return attempts, cerr
		}
		attempts++
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if !transient(err) {
			return attempts, err
		}
	}
	return attempts, err
}
