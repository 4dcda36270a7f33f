package pool

import (
	"context"
	"errors"
	"fmt"
)

// Protocol errors. These are never worth retrying.
var (
	ErrPoolClosed        = errors.New("pool: closed")
	ErrInvalidHandle     = errors.New("pool: invalid virtual machine handle")
	ErrInconsistentState = errors.New("pool: inconsistent state")
	ErrEmptyCommand      = errors.New("pool: command is empty")
)

// Transient errors. The caller may try again later.
var (
	ErrProvisioning    = errors.New("pool: provisioning failed")
	ErrExecution       = errors.New("pool: guest unreachable")
	ErrBorrowTimeout   = errors.New("pool: borrow timed out")
	ErrBorrowCancelled = errors.New("pool: borrow cancelled")
)

// Retryable reports whether err is a "try later" condition. Closed pools,
// invalid handles and inconsistent bookkeeping are never retryable.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPoolClosed),
		errors.Is(err, ErrInvalidHandle),
		errors.Is(err, ErrInconsistentState),
		errors.Is(err, ErrEmptyCommand):
		return false
	case errors.Is(err, ErrProvisioning),
		errors.Is(err, ErrExecution),
		errors.Is(err, ErrBorrowTimeout),
		errors.Is(err, ErrBorrowCancelled):
		return true
	default:
		return false
	}
}

// waitError maps a finished context onto BorrowTimeout or BorrowCancelled.
func waitError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrBorrowTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrBorrowCancelled, err)
}
