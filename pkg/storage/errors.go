package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotSupported is returned for operations the backend does not
	// implement.
	ErrNotSupported = errors.New("storage: operation not supported")

	// ErrClosed is returned when an operation is attempted on a closed
	// backend.
	ErrClosed = errors.New("storage: backend is closed")
)

// NotFoundError indicates that a requested resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

// NewNotFoundError creates a NotFoundError for the given resource and ID.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidInputError indicates that a caller-supplied value is unusable.
type InvalidInputError struct {
	Field  string
	Reason string
}

// NewInvalidInputError creates an InvalidInputError for the given field.
func NewInvalidInputError(field, reason string) *InvalidInputError {
	return &InvalidInputError{Field: field, Reason: reason}
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidInput reports whether err is an InvalidInputError.
func IsInvalidInput(err error) bool {
	var ii *InvalidInputError
	return errors.As(err, &ii)
}
