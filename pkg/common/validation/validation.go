// Package validation provides common validation utilities for the timerqueue module.
package validation

import (
	"strconv"
	"strings"

	tqerrors "github.com/vnykmshr/timerqueue/pkg/common/errors"
)

// ValidateNotEmpty validates that a string value is not empty.
// Returns a ValidationError if the string is empty.
func ValidateNotEmpty(module, field string, value string) error {
	if value == "" {
		return tqerrors.NewValidationError(module, field, value, "cannot be empty").
			WithHint("provide a non-empty " + field)
	}
	return nil
}

// ValidateMaxLength validates that a string is at most max bytes long.
func ValidateMaxLength(module, field string, value string, max int) error {
	if len(value) > max {
		return tqerrors.NewValidationError(module, field, value, "too long").
			WithHint("use at most " + strconv.Itoa(max) + " characters")
	}
	return nil
}

// ValidateOneOf validates that value is one of allowed.
// An empty value is accepted so that callers can fall back to a default.
func ValidateOneOf(module, field string, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return tqerrors.NewValidationError(module, field, value, "unknown value").
		WithHint("use one of " + strings.Join(allowed, ", "))
}
