package service

import (
	"errors"
	"fmt"
)

// ErrNotFound signals an unknown order id on lookup.
var ErrNotFound = errors.New("order not found")

// ValidationError rejects a malformed submission before it reaches the
// queue; it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
