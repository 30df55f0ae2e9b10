package ratelimit

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy is returned when a policy cannot admit any request.
var ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

// ValidationError describes a policy field that failed validation.
type ValidationError struct {
	Policy  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Policy == "" {
		return fmt.Sprintf("ratelimit: %s %s", e.Field, e.Message)
	}
	return fmt.Sprintf("ratelimit: policy %q: %s %s", e.Policy, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPolicy
}
