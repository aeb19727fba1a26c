package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAttachmentTooLarge = errors.New("attachment too large")
	ErrReactionBlocked    = errors.New("remove your existing reaction before adding a new one")
	ErrRateLimited        = errors.New("too many events, slow down")
)

// ErrorType is the "type" field of an error event.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeImageTooLarge ErrorType = "image_too_large"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeRateLimited   ErrorType = "rate_limited"
	ErrorTypeProtocol      ErrorType = "protocol"
	ErrorTypeInternal      ErrorType = "internal"
)

// ValidationError reports malformed input. It is only ever sent back to the requester.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ProtocolError reports an undecodable or unknown client event.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return e.Reason }

// ClassifyError maps err onto the error taxonomy exposed to clients.
func ClassifyError(err error) ErrorType {
	var (
		validationErr *ValidationError
		storageErr    *StorageError
		protocolErr   *ProtocolError
	)
	switch {
	case errors.Is(err, ErrAttachmentTooLarge):
		return ErrorTypeImageTooLarge
	case errors.As(err, &validationErr):
		return ErrorTypeValidation
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrReactionBlocked):
		return ErrorTypeConflict
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimited
	case errors.As(err, &protocolErr):
		return ErrorTypeProtocol
	case errors.As(err, &storageErr):
		return ErrorTypeStorage
	default:
		return ErrorTypeInternal
	}
}

// PublicMessage returns the text that is safe to show to the requester.
// Storage and internal failures are reported generically.
func PublicMessage(err error) string {
	switch ClassifyError(err) {
	case ErrorTypeStorage:
		return "operation failed, please retry"
	case ErrorTypeInternal:
		return "internal error"
	case ErrorTypeNotFound:
		return "message not found"
	default:
		return err.Error()
	}
}
