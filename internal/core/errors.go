package core

import (
	"errors"
	"fmt"
)

// Error categories. Per-record failures are collected in the run report;
// ErrStorage aborts the load.
var (
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	ErrInvalidRecord   = errors.New("invalid sales record")
	ErrDuplicateRecord = errors.New("duplicate sales record")
	ErrStorage         = errors.New("storage failure")
)

// RateUnavailableError means neither the live feed nor the cache had a rate.
type RateUnavailableError struct {
	Currency string
	Err      error
}

func (e *RateUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no exchange rate for %s: %v", e.Currency, e.Err)
	}
	return fmt.Sprintf("no exchange rate for %s", e.Currency)
}

func (e *RateUnavailableError) Unwrap() error { return e.Err }

func (e *RateUnavailableError) Is(target error) bool { return target == ErrRateUnavailable }

// NormalizationError rejects a single record.
type NormalizationError struct {
	OrderID int64
	Reason  string
	Err     error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("order %d: %s", e.OrderID, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

func (e *NormalizationError) Is(target error) bool { return target == ErrInvalidRecord }

type DuplicateRecordError struct {
	OrderID int64
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("order %d already loaded", e.OrderID)
}

func (e *DuplicateRecordError) Is(target error) bool { return target == ErrDuplicateRecord }

// StorageError wraps a warehouse failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// FailureKind classifies err for reporting.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, ErrDuplicateRecord):
		return "duplicate"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "unknown"
	}
}
