package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the detectors and stores.
var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrAmbiguousMatch     = errors.New("ambiguous match")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrDataInconsistency  = errors.New("data inconsistency")
	ErrAlreadyClaimed     = errors.New("transaction already paired")
	ErrNotFound           = errors.New("not found")
)

// ErrorKind is the taxonomy of detection failures.
type ErrorKind string

const (
	KindInsufficientData   ErrorKind = "insufficient_data"
	KindAmbiguousMatch     ErrorKind = "ambiguous_match"
	KindPersistenceFailure ErrorKind = "persistence_failure"
	KindDataInconsistency  ErrorKind = "data_inconsistency"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindInsufficientData:
		return ErrInsufficientData
	case KindAmbiguousMatch:
		return ErrAmbiguousMatch
	case KindPersistenceFailure:
		return ErrPersistenceFailure
	case KindDataInconsistency:
		return ErrDataInconsistency
	}
	return nil
}

// DetectionError is a per-transaction failure surfaced to the batch
// coordinator. errors.Is matches both the kind sentinel and the cause.
type DetectionError struct {
	Kind          ErrorKind
	TransactionID string
	Err           error
}

// NewDetectionError builds a DetectionError.
func NewDetectionError(kind ErrorKind, transactionID string, err error) *DetectionError {
	return &DetectionError{Kind: kind, TransactionID: transactionID, Err: err}
}

// Persistence wraps a store error as a PersistenceFailure.
func Persistence(transactionID string, err error) *DetectionError {
	return NewDetectionError(KindPersistenceFailure, transactionID, err)
}

func (e *DetectionError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: transaction %s: %v", e.Kind, e.TransactionID, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind.
func (e *DetectionError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of err, or "" when err is not a DetectionError.
func KindOf(err error) ErrorKind {
	var de *DetectionError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
