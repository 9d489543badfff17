package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id does not resolve to a row.
	ErrNotFound = errors.New("task not found")

	// ErrIllegalTransition is returned when a status patch violates the
	// lifecycle graph.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrNotTerminal is returned when delete is attempted on a row that is
	// still pending or running.
	ErrNotTerminal = errors.New("task is not in a terminal state")

	// ErrRetriesExhausted is returned when retry is requested but
	// retry_count has reached max_retries.
	ErrRetriesExhausted = errors.New("no retries remaining")

	// ErrNotRetryable is returned when retry is requested on a task that is
	// not in the failed state.
	ErrNotRetryable = errors.New("only failed tasks can be retried")

	// ErrMissingHandler marks a dispatch against a type with no registered
	// handler. The task is failed terminally.
	ErrMissingHandler = errors.New("no handler registered for task type")
)

// PolicyDeniedError carries the human-readable reason a submission was
// rejected by the policy engine.
type PolicyDeniedError struct {
	Check  string // capability, rate_limit, concurrency, resource_limit, approval
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", e.Check, e.Reason)
}

// IsPolicyDenied reports whether err is a policy denial and returns it.
func IsPolicyDenied(err error) (*PolicyDeniedError, bool) {
	var pd *PolicyDeniedError
	if errors.As(err, &pd) {
		return pd, true
	}
	return nil, false
}

// TimeoutError records a handler exceeding its wall-clock ceiling.
type TimeoutError struct {
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %d seconds", e.Seconds)
}

// ValidationError rejects a malformed submission before persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
