package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError names one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of a path or query parameter validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validTaskID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateTaskID checks a task id path parameter. Task ids are UUIDs but the
// check only constrains shape, so foreign ids from older deployments still
// resolve.
func ValidateTaskID(taskID string) ValidationResult {
	if taskID == "" {
		return invalid("id", "REQUIRED", "task id is required")
	}
	if len(taskID) > 100 {
		return invalid("id", "TOO_LONG", "task id is too long (max 100 characters)")
	}
	if !validTaskID.MatchString(taskID) {
		return invalid("id", "INVALID_FORMAT", "task id contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

func invalid(field, code, message string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

// SanitizeString strips null bytes and control noise from free-form input.
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 1000 {
		input = input[:1000]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
