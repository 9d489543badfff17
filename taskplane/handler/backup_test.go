package handler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

// nullReporter discards progress for handler unit tests.
type nullReporter struct{}

func (nullReporter) Progress(ctx context.Context, pct int, step string) error { return nil }
func (nullReporter) Step(ctx context.Context, step string) error              { return nil }
func (nullReporter) Log(ctx context.Context, level, message string)           {}

func TestBackupCreationProducesArchive(t *testing.T) {
	dir := t.TempDir()
	h := NewBackupCreationHandler(task.TypeBackupCreation, &FileBackupRunner{Dir: dir})

	row := &task.Task{
		ID:        "abcdef1234567890",
		Type:      task.TypeBackupCreation,
		CreatedAt: time.Now().UTC(),
		Input:     task.JSONMap{"name": "manual-backup"},
	}
	result, err := h.Execute(context.Background(), row, nullReporter{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	path, _ := result["path"].(string)
	if path == "" {
		t.Fatal("Expected archive path in result")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Archive not written: %v", err)
	}
	if result["encrypted"] != false {
		t.Errorf("Expected unencrypted archive, got %v", result["encrypted"])
	}
}

func TestBackupCreationNameIsStableAcrossRetries(t *testing.T) {
	dir := t.TempDir()
	h := NewBackupCreationHandler(task.TypeBackupScheduled, &FileBackupRunner{Dir: dir})

	row := &task.Task{
		ID:        "abcdef1234567890",
		Type:      task.TypeBackupScheduled,
		CreatedAt: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
	}

	// Two attempts of the same task must write the same archive
	r1, err := h.Execute(context.Background(), row, nullReporter{})
	if err != nil {
		t.Fatalf("First attempt failed: %v", err)
	}
	r2, err := h.Execute(context.Background(), row, nullReporter{})
	if err != nil {
		t.Fatalf("Second attempt failed: %v", err)
	}
	if r1["name"] != r2["name"] || r1["path"] != r2["path"] {
		t.Errorf("Retry produced a different archive: %v vs %v", r1, r2)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected exactly one archive, found %d", len(entries))
	}
}

func TestBackupRetentionPrunesOldest(t *testing.T) {
	dir := t.TempDir()
	runner := &FileBackupRunner{Dir: dir}

	// Timestamped names sort chronologically
	for _, name := range []string{"backup-20260101", "backup-20260102", "backup-20260103"} {
		if _, _, err := runner.Create(context.Background(), name, ""); err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
	}

	h := NewBackupRetentionHandler(runner)
	row := &task.Task{
		Type:  task.TypeBackupRetention,
		Input: task.JSONMap{"retention_count": float64(2)},
	}
	result, err := h.Execute(context.Background(), row, nullReporter{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result["removed"] != 1 {
		t.Errorf("Expected 1 archive removed, got %v", result["removed"])
	}

	remaining, _ := runner.List(context.Background())
	if len(remaining) != 2 {
		t.Fatalf("Expected 2 archives left, got %d", len(remaining))
	}
	// Oldest must be the one that went
	for _, p := range remaining {
		if filepath.Base(p) == "backup-20260101.backup" {
			t.Errorf("Oldest archive should have been pruned, still present: %s", p)
		}
	}
}

func TestBackupRestoreRequiresPath(t *testing.T) {
	h := NewBackupRestoreHandler(&FileBackupRunner{Dir: t.TempDir()})
	row := &task.Task{Type: task.TypeBackupRestore, Input: task.JSONMap{}}
	if _, err := h.Execute(context.Background(), row, nullReporter{}); err == nil {
		t.Error("Expected error for missing path input")
	}
}
