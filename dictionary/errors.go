package dictionary

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a table or key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable is returned when the backend cannot serve a
	// request: it timed out, refused connections or failed mid-operation.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrForbidden is returned when the caller may not perform an operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidInput is returned for malformed mutations or parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// StorageUnavailable wraps err so that it matches ErrStorageUnavailable
// while keeping the original cause reachable through errors.Is/As.
func StorageUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// contextError maps an expired or cancelled context to a storage failure.
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return StorageUnavailable(err)
	}
	return nil
}

// OperationError reports the stage at which a service operation stopped.
type OperationError struct {
	Op    string
	Stage Stage // Rejected or Failed
	After Stage // last stage completed before stopping
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s after %s: %v", e.Op, e.Stage, e.After, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
