package common

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error taxonomy. Every terminal job failure
// carries exactly one kind; decoder-level errors are translated into one of
// these at the extractor boundary and never leak raw to callers.
type Kind string

const (
	KindUnsupportedFormat Kind = "UNSUPPORTED_FORMAT" // terminal, user-correctable
	KindExtractionTimeout Kind = "EXTRACTION_TIMEOUT" // terminal for the job, retriable by resubmission
	KindStorageError      Kind = "STORAGE_ERROR"      // surfaced to caller, may be transient
	KindQueueFull         Kind = "QUEUE_FULL"         // backpressure signal, always retriable later
	KindCancelled         Kind = "CANCELLED"          // user-initiated, terminal
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

// AppError represents application-specific errors.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// E builds an AppError.
func E(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the error kind, defaulting to INTERNAL for unclassified
// errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// ClientMessage returns a message safe to expose to callers. Unclassified
// errors collapse to a generic message; the full detail stays in logs.
func ClientMessage(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
