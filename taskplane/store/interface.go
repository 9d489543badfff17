// Package store owns the durable state of task rows. All other components
// hold only snapshots copied out of it.
package store

import (
	"context"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

// TaskStore is the persistence contract for task rows and the backup config
// singleton. Getters return (nil, nil) when the row does not exist; mutating
// operations return task.ErrNotFound instead.
//
// All operations are atomic at the row level. A status patch performs the
// lifecycle timestamp bookkeeping in the same write and rejects illegal
// transitions with task.ErrIllegalTransition.
type TaskStore interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, id string, patch task.Patch) (*task.Task, error)
	// Delete removes a row. Rows that are not terminal are rejected with
	// task.ErrNotTerminal.
	Delete(ctx context.Context, id string) error

	List(ctx context.Context, filter task.Filter) ([]*task.Task, error)

	// ReadyToRun returns dispatch candidates: pending/retry rows whose
	// scheduled_at is unset or due, ordered by priority desc then
	// created_at asc. Dependency gating is the dispatcher's job.
	ReadyToRun(ctx context.Context) ([]*task.Task, error)

	// CountSince counts rows of the given type created by the user after
	// since. Used for sliding-window rate limits.
	CountSince(ctx context.Context, userID string, typ task.Type, since time.Time) (int, error)

	// CountActive counts pending/retry/running rows for the user and type.
	// Rows older than maxAge are treated as stuck and excluded; maxAge <= 0
	// disables the age guard.
	CountActive(ctx context.Context, userID string, typ task.Type, maxAge time.Duration) (int, error)

	// MarkStale fails every pending/retry/running row of the given type
	// older than maxAge, setting error_message to reason, and returns the
	// affected rows. A zero type matches all types.
	MarkStale(ctx context.Context, typ task.Type, maxAge time.Duration, reason string) ([]*task.Task, error)

	GetBackupConfig(ctx context.Context) (*task.BackupConfig, error)
	UpdateBackupConfig(ctx context.Context, cfg *task.BackupConfig) error
}

// applyPatch merges a patch into a row copy and performs the status
// transition bookkeeping. Shared by both backends so the invariants live in
// one place. Returns task.ErrIllegalTransition when the patch requests a
// transition the lifecycle graph forbids.
func applyPatch(t *task.Task, patch task.Patch, now time.Time) error {
	if patch.Status != nil && *patch.Status != t.Status {
		from, to := t.Status, *patch.Status
		if !from.CanTransition(to) {
			return task.ErrIllegalTransition
		}
		t.Status = to
		switch {
		case to == task.StatusRunning:
			if t.StartedAt == nil {
				ts := now
				t.StartedAt = &ts
			}
		case to.Terminal():
			ts := now
			t.CompletedAt = &ts
		}
	}
	if patch.RetryReset {
		t.Progress = 0
		t.CurrentStep = ""
		t.ErrorMessage = ""
		t.StartedAt = nil
		t.CompletedAt = nil
	}
	if patch.Progress != nil {
		t.Progress = *patch.Progress
	}
	if patch.CurrentStep != nil {
		t.CurrentStep = *patch.CurrentStep
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	if patch.ErrorMessage != nil {
		t.ErrorMessage = *patch.ErrorMessage
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	return nil
}
