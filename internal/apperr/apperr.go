// Package apperr holds error classes shared across packages.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// ErrDependencyUnavailable marks a transient failure of a collaborator
// (context fetch, persistence, delivery). Callers may retry.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// Unavailable wraps err as retryable. Domain sentinel errors passed through
// err are preserved for errors.Is.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDependencyUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDependencyUnavailable, err)
}

// Retryable reports whether err is worth retrying by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
