package common

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error taxonomy shared by the store, the ledger and the background passes.
var (
	// ErrDuplicateRecord marks a redelivered event. Appends absorb it; it never reaches callers.
	ErrDuplicateRecord = errors.New("duplicate record")

	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidSymbol      = errors.New("invalid symbol")

	// ErrLockTimeout is returned when a portfolio lock could not be acquired in time. Retryable.
	ErrLockTimeout = errors.New("lock timeout")

	ErrAggregationPartialFailure = errors.New("aggregation partial failure")

	// ErrStorageUnavailable means the underlying database could not be reached. Retryable by the caller.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrStorageUnavailable)
}

// IsBusinessRule reports whether err is a ledger rule violation that must be surfaced verbatim.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientShares) ||
		errors.Is(err, ErrInvalidSymbol)
}

// PartialFailureError collects per-key failures from a batch where the
// remaining keys completed successfully.
type PartialFailureError struct {
	Scope    string
	Failures map[string]error
}

func (e *PartialFailureError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failures[k]))
	}
	return fmt.Sprintf("%s: %s: %d failed [%s]", ErrAggregationPartialFailure, e.Scope, len(keys), strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrAggregationPartialFailure.
func (e *PartialFailureError) Unwrap() error {
	return ErrAggregationPartialFailure
}

// Failed returns the keys that failed, sorted.
func (e *PartialFailureError) Failed() []string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
