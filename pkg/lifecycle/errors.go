package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced agent does not exist.
	ErrNotFound = errors.New("agent not found")

	// ErrConflict is returned when an operation is illegal from the
	// agent's current state.
	ErrConflict = errors.New("operation not allowed in current state")

	// ErrInitializing is returned for write operations before persistence
	// has been wired in.
	ErrInitializing = errors.New("lifecycle manager is initializing")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
