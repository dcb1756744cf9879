// Package utils provides shared utility helpers used across forkwatch.
package utils

import (
	"errors"
	"fmt"
)

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Kind classifies an error for the purposes of the retry/error-budget
// policy applied across the ingestion engine.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindValidation
	KindDependency
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindDependency:
		return "dependency"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindError pairs an error kind with the underlying cause so callers can
// branch on kind via errors.As without string matching.
type KindError struct {
	Kind  Kind
	Cause error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *KindError) Unwrap() error { return e.Cause }

// NewKindError wraps err with the given kind. It returns nil if err is nil.
func NewKindError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Cause: err}
}

// KindOf returns the Kind attached to err via NewKindError, or ok=false if
// err carries no kind.
func KindOf(err error) (Kind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}
