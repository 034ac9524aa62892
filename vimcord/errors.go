package vimcord

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNestedTransaction is returned by [Store.UseTransaction] when the
	// given context already carries an open transaction. Transactions
	// never nest; the outer scope owns the unit of work.
	ErrNestedTransaction = errors.New("transaction already open in this context")

	// ErrDefinitionDisabled is returned by [Registry.Command] when the
	// matching definition is marked Disabled.
	ErrDefinitionDisabled = errors.New("definition is disabled")

	// ErrUnknownCommand is returned when no registered definition matches
	// an inbound command name or alias.
	ErrUnknownCommand = errors.New("no matching command definition")
)

// ConstraintViolationError is returned by Schema Store write operations
// that violate a declared constraint (currently: unique indexes).
type ConstraintViolationError struct {
	// Model is the name of the schema the write targeted
	Model string

	// Err is the underlying database error
	Err error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation on %s: %v", e.Model, e.Err)
}

func (e *ConstraintViolationError) Unwrap() error {
	return e.Err
}

// RouteNotFoundError indicates a subcommand path with no matching route.
// This is a configuration defect (the registered command schema and the
// route table are out of sync), not a user-facing denial - the dispatcher
// logs it loudly and shows the generic failure message.
type RouteNotFoundError struct {
	DefinitionID string
	Path         string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf(
		"%s: no route for subcommand path %q",
		e.DefinitionID,
		e.Path,
	)
}

// RateLimitedError is returned by [RateLimiter.TryAcquire] when a bucket
// is over its window limit. RetryAfter is how long the caller must wait
// before the window resets.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// HandlerError wraps an error (or recovered panic) escalated from a
// definition's execute/hook functions, annotated with enough context to
// diagnose. The dispatcher's error boundary is the only place these are
// created; they never propagate past Dispatch.
type HandlerError struct {
	DefinitionID string
	UserID       string
	Err          error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf(
		"handler error in %s (user: %s): %v",
		e.DefinitionID,
		e.UserID,
		e.Err,
	)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
