package workflow

import "errors"

var (
	// ErrNotFound is returned when a template, instance or step does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is illegal for the current status
	ErrInvalidState = errors.New("invalid state")

	// ErrUnauthorized is returned when a principal is not in the resolved approver set
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation is returned for malformed templates or requests
	ErrValidation = errors.New("validation error")
)
