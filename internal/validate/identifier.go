// Package validate provides input validation for identifiers that cross the
// ledger's API boundary: URL path segments, webhook metadata, and CLI flags.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// MaxScopeIDLength bounds tenant scope identifiers. Scope IDs become path
// segments in archive object keys and structured log fields, so they stay
// short.
const MaxScopeIDLength = 128

// scopeIDPattern is the character set archive object keys pass through
// unchanged. A scope ID that validates here reaches an export key without
// sanitization losses.
var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length (0 = no minimum)
	MaxLength      int            // Maximum length (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Character count, not byte count
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// ScopeID validates a tenant scope identifier:
//   - 1 to 128 characters
//   - letters, digits, hyphen, underscore only
//
// Whitespace is not trimmed. Scope IDs key hash chains, so two spellings of
// the same tenant must never normalize to one identifier silently.
func ScopeID(id string) (string, error) {
	s, err := String(id, StringConstraints{
		MinLength:      1,
		MaxLength:      MaxScopeIDLength,
		AllowedPattern: scopeIDPattern,
		AllowEmpty:     false,
		TrimSpace:      false,
	})
	if err != nil {
		return "", fmt.Errorf("scope ID: %w", err)
	}
	return s, nil
}
