// Package domain holds the core entities, ports and error taxonomy of the
// enrollment service. It has no dependencies on adapters so that usecases and
// workers can be tested against in-memory implementations.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrNoCapacity       = errors.New("no capacity")
	ErrScheduleConflict = errors.New("schedule conflict")
	ErrDuplicateMateria = errors.New("duplicate materia")
	ErrStudentInactive  = errors.New("student inactive")
	ErrStudentBlocked   = errors.New("student blocked")
	ErrPeriodInactive   = errors.New("period inactive")
	ErrBreakerOpen      = errors.New("circuit breaker open")
	ErrRevoked          = errors.New("task revoked")
	ErrInternal         = errors.New("internal error")
)

// Category is the closed set of failure categories every error surfaced by the
// core carries. Clients see the category as a stable string; the queue uses it
// to decide between retry and permanent failure.
type Category string

const (
	CategoryInvalidArgument    Category = "invalid_argument"
	CategoryNotFound           Category = "not_found"
	CategoryInactive           Category = "inactive"
	CategoryBlocked            Category = "blocked"
	CategoryDuplicateMateria   Category = "duplicate_materia"
	CategoryScheduleConflict   Category = "schedule_conflict"
	CategoryCapacityExhausted  Category = "capacity_exhausted"
	CategoryConflict           Category = "conflict"
	CategoryLockConflict       Category = "lock_conflict"
	CategoryTimeout            Category = "timeout"
	CategoryConnection         Category = "connection"
	CategoryDeadlock           Category = "deadlock"
	CategoryBreakerOpen        Category = "breaker_open"
	CategoryCompensationFailed Category = "compensation_failed"
	CategoryRevoked            Category = "revoked"
	CategoryInternal           Category = "internal"
)

// Retryable reports whether a failure in this category may succeed on a later
// attempt. Permanent domain outcomes (capacity, conflicts, validation) never
// retry; infrastructure hiccups do.
func (c Category) Retryable() bool {
	switch c {
	case CategoryLockConflict, CategoryTimeout, CategoryConnection, CategoryDeadlock, CategoryBreakerOpen:
		return true
	}
	return false
}

// Error attaches a category to an underlying cause. The message is what a
// client sees; the wrapped error keeps the chain intact for errors.Is.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a categorized error with a formatted message.
func E(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps an existing error under a category, preserving the chain.
func WrapE(cat Category, err error, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...), Err: err}
}

// CategoryOf extracts the category of err. Categorized errors report their
// own; sentinels map to their canonical category; context deadline errors map
// to timeout; anything else is internal.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CategoryInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrNoCapacity):
		return CategoryCapacityExhausted
	case errors.Is(err, ErrScheduleConflict):
		return CategoryScheduleConflict
	case errors.Is(err, ErrDuplicateMateria):
		return CategoryDuplicateMateria
	case errors.Is(err, ErrStudentInactive), errors.Is(err, ErrPeriodInactive):
		return CategoryInactive
	case errors.Is(err, ErrStudentBlocked):
		return CategoryBlocked
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	case errors.Is(err, ErrBreakerOpen):
		return CategoryBreakerOpen
	case errors.Is(err, ErrRevoked):
		return CategoryRevoked
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryTimeout
	}
	return CategoryInternal
}

// Retryable reports whether err belongs to a transient category.
func Retryable(err error) bool { return CategoryOf(err).Retryable() }

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases should pass context.Context through.
type Context = context.Context
