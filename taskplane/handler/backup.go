package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

// BackupCreationHandler creates a database backup archive. The same
// implementation serves user-requested and scheduler-created backups; the
// task type distinguishes them for policy and metrics.
type BackupCreationHandler struct {
	BaseHandler
	runner BackupRunner
}

func NewBackupCreationHandler(typ task.Type, runner BackupRunner) *BackupCreationHandler {
	name := "Backup Creation"
	desc := "Create a database backup archive"
	if typ == task.TypeBackupScheduled {
		name = "Scheduled Backup"
		desc = "Create a database backup archive on schedule"
	}
	return &BackupCreationHandler{
		BaseHandler: BaseHandler{TaskType: typ, HumanName: name, Desc: desc},
		runner:      runner,
	}
}

func (h *BackupCreationHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	name := h.StringInput(t, "name")
	if name == "" {
		// Retries reuse the same name so a half-written archive from a
		// failed attempt gets overwritten, not duplicated.
		name = fmt.Sprintf("backup-%s-%s", t.CreatedAt.UTC().Format("20060102-150405"), t.ID[:8])
	}
	password := h.StringInput(t, "encryption_password")

	if err := rep.Progress(ctx, 10, "dumping database"); err != nil {
		return nil, err
	}
	path, size, err := h.runner.Create(ctx, name, password)
	if err != nil {
		return nil, fmt.Errorf("create backup %s: %w", name, err)
	}
	if err := rep.Progress(ctx, 95, "verifying archive"); err != nil {
		return nil, err
	}
	return task.JSONMap{
		"name":       name,
		"path":       path,
		"size_bytes": size,
		"encrypted":  password != "",
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// BackupRestoreHandler restores the database from an archive. Gated behind
// approval by policy.
type BackupRestoreHandler struct {
	BaseHandler
	runner BackupRunner
}

func NewBackupRestoreHandler(runner BackupRunner) *BackupRestoreHandler {
	return &BackupRestoreHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeBackupRestore,
			HumanName: "Backup Restore",
			Desc:      "Restore the database from a backup archive",
		},
		runner: runner,
	}
}

func (h *BackupRestoreHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	path, err := h.RequireString(t, "path")
	if err != nil {
		return nil, err
	}
	password := h.StringInput(t, "encryption_password")

	if err := rep.Progress(ctx, 10, "validating archive"); err != nil {
		return nil, err
	}
	if err := rep.Progress(ctx, 30, "restoring database"); err != nil {
		return nil, err
	}
	if err := h.runner.Restore(ctx, path, password); err != nil {
		return nil, fmt.Errorf("restore from %s: %w", path, err)
	}
	return task.JSONMap{"path": path, "restored": true}, nil
}

// BackupRetentionHandler prunes old archives down to the configured count.
type BackupRetentionHandler struct {
	BaseHandler
	runner BackupRunner
}

func NewBackupRetentionHandler(runner BackupRunner) *BackupRetentionHandler {
	return &BackupRetentionHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeBackupRetention,
			HumanName: "Backup Retention",
			Desc:      "Prune backup archives beyond the retention count",
		},
		runner: runner,
	}
}

func (h *BackupRetentionHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	keep := h.IntInput(t, "retention_count", 7)
	if keep < 1 {
		keep = 1
	}
	archives, err := h.runner.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	if err := rep.Progress(ctx, 20, fmt.Sprintf("found %d archives, keeping %d", len(archives), keep)); err != nil {
		return nil, err
	}

	removed := 0
	// List returns oldest-first by name (timestamped names sort
	// chronologically), so the head of the slice is what goes.
	if excess := len(archives) - keep; excess > 0 {
		for i, path := range archives[:excess] {
			if err := h.Checkpoint(ctx); err != nil {
				return nil, err
			}
			if err := h.runner.Remove(ctx, path); err != nil {
				rep.Log(ctx, "warn", fmt.Sprintf("remove %s: %v", path, err))
				continue
			}
			removed++
			if err := rep.Progress(ctx, percentOf(i+1, excess, 20, 95), ""); err != nil {
				return nil, err
			}
		}
	}
	return task.JSONMap{"total": len(archives), "kept": len(archives) - removed, "removed": removed}, nil
}
