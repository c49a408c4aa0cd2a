package schema

import (
	"regexp"
	"strings"
)

// Run ids become storage directory names, so they are validated against a
// strict pattern before any I/O: alphanumeric start, then alphanumerics,
// hyphens and underscores, 3 to 64 characters. Dots are excluded outright
// so traversal sequences can never form.
var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,63}$`)

// ValidateRunID rejects ids that are unsafe to use as a storage location.
func ValidateRunID(id string) error {
	if id == "" {
		return NewError(ErrCodeValidation, "run id is empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return NewErrorf(ErrCodeValidation, "run id %q contains path separators or traversal sequences", id)
	}
	if !safeIDPattern.MatchString(id) {
		return NewErrorf(ErrCodeValidation, "run id %q does not match the safe identifier pattern", id)
	}
	return nil
}

// SafeID reports whether id satisfies the safe identifier pattern.
// Listing operations use it to ignore foreign directories without erroring.
func SafeID(id string) bool {
	return ValidateRunID(id) == nil
}
