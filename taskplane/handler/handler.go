// Package handler defines the execution contract for task types and holds
// the built-in handlers. One handler instance serves a whole type and must
// be safe to invoke concurrently for different tasks.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

// Reporter is the only sanctioned channel through which a handler mutates
// task state while executing. Implemented by the scheduler.
type Reporter interface {
	// Progress clamps pct to [0,100], enforces monotonic non-decrease
	// within the attempt, writes through the store and publishes an update
	// frame. An empty step leaves current_step untouched.
	Progress(ctx context.Context, pct int, step string) error

	// Step updates current_step only.
	Step(ctx context.Context, step string) error

	// Log publishes a TaskLog frame and mirrors it to the process log.
	Log(ctx context.Context, level, message string)
}

// Handler executes one task type.
type Handler interface {
	Type() task.Type
	Name() string
	Description() string

	// Execute runs one attempt. The context carries the wall-clock deadline
	// and cooperative cancellation; a handler that returns ctx.Err() is
	// treated as cancelled or timed out accordingly. The returned map
	// becomes the task result.
	Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error)
}

// BaseHandler carries the metadata triple and the helpers shared by the
// built-in handlers. Embed it and implement Execute.
type BaseHandler struct {
	TaskType  task.Type
	HumanName string
	Desc      string
}

func (b *BaseHandler) Type() task.Type     { return b.TaskType }
func (b *BaseHandler) Name() string        { return b.HumanName }
func (b *BaseHandler) Description() string { return b.Desc }

// Sleep waits for d or until the context is cancelled, whichever comes
// first. Handlers use this instead of time.Sleep so cancellation is observed
// at the suspension point.
func (b *BaseHandler) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StringInput reads a string field from the task input.
func (b *BaseHandler) StringInput(t *task.Task, key string) string {
	if t.Input == nil {
		return ""
	}
	s, _ := t.Input[key].(string)
	return s
}

// RequireString reads a mandatory string field, failing the attempt when it
// is absent.
func (b *BaseHandler) RequireString(t *task.Task, key string) (string, error) {
	s := b.StringInput(t, key)
	if s == "" {
		return "", &task.ValidationError{Field: key, Reason: "required input is missing"}
	}
	return s, nil
}

// StringsInput reads a list-of-strings field from the task input.
func (b *BaseHandler) StringsInput(t *task.Task, key string) []string {
	if t.Input == nil {
		return nil
	}
	raw, ok := t.Input[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IntInput reads an integer field, tolerating the float64 JSON decodes to.
func (b *BaseHandler) IntInput(t *task.Task, key string, fallback int) int {
	if t.Input == nil {
		return fallback
	}
	switch v := t.Input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// BoolInput reads a boolean field.
func (b *BaseHandler) BoolInput(t *task.Task, key string) bool {
	if t.Input == nil {
		return false
	}
	v, _ := t.Input[key].(bool)
	return v
}

// Checkpoint is an explicit cancellation check for CPU-bound stretches with
// no natural suspension point.
func (b *BaseHandler) Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// partIDs extracts the part reference(s) from a payload: part_ids list or a
// single part_id.
func (b *BaseHandler) partIDs(t *task.Task) ([]string, error) {
	if ids := b.StringsInput(t, "part_ids"); len(ids) > 0 {
		return ids, nil
	}
	if id := b.StringInput(t, "part_id"); id != "" {
		return []string{id}, nil
	}
	return nil, &task.ValidationError{Field: "part_id", Reason: "no part reference in input"}
}

// percentOf maps i of n onto a progress span [lo, hi].
func percentOf(i, n, lo, hi int) int {
	if n <= 0 {
		return hi
	}
	return lo + (hi-lo)*i/n
}

func errf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
