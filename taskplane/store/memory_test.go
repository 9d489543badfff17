package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

func newTestTask(id string, status task.Status) *task.Task {
	return &task.Task{
		ID:              id,
		Type:            task.TypePartEnrichment,
		Name:            "test",
		Status:          status,
		Priority:        task.PriorityNormal,
		MaxRetries:      3,
		CreatedAt:       time.Now().UTC(),
		CreatedByUserID: "user-1",
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	in := newTestTask("t1", task.StatusPending)
	if err := s.Create(ctx, in); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.ID != "t1" {
		t.Fatalf("Expected task t1, got %+v", got)
	}

	// Mutating the returned snapshot must not affect the stored row
	got.Name = "mutated"
	again, _ := s.Get(ctx, "t1")
	if again.Name != "test" {
		t.Errorf("Store row was mutated through a snapshot")
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for missing row, got (%v, %v)", missing, err)
	}
}

func TestMemoryStoreStatusTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, newTestTask("t1", task.StatusPending))

	running := task.StatusRunning
	updated, err := s.Update(ctx, "t1", task.Patch{Status: &running})
	if err != nil {
		t.Fatalf("pending->running failed: %v", err)
	}
	if updated.StartedAt == nil {
		t.Errorf("Expected started_at to be set on first running transition")
	}
	firstStart := *updated.StartedAt

	completed := task.StatusCompleted
	updated, err = s.Update(ctx, "t1", task.Patch{Status: &completed})
	if err != nil {
		t.Fatalf("running->completed failed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Errorf("Expected completed_at to be set on terminal transition")
	}

	// Terminal rows reject further status changes
	if _, err := s.Update(ctx, "t1", task.Patch{Status: &running}); !errors.Is(err, task.ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition from completed->running, got %v", err)
	}

	// Pending cannot jump straight to completed
	s.Create(ctx, newTestTask("t2", task.StatusPending))
	if _, err := s.Update(ctx, "t2", task.Patch{Status: &completed}); !errors.Is(err, task.ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition from pending->completed, got %v", err)
	}

	_ = firstStart
}

func TestMemoryStoreRetryReset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, newTestTask("t1", task.StatusPending))

	running := task.StatusRunning
	failed := task.StatusFailed
	msg := "boom"
	progress := 40
	s.Update(ctx, "t1", task.Patch{Status: &running, Progress: &progress})
	s.Update(ctx, "t1", task.Patch{Status: &failed, ErrorMessage: &msg})

	retry := task.StatusRetry
	count := 1
	updated, err := s.Update(ctx, "t1", task.Patch{Status: &retry, RetryCount: &count, RetryReset: true})
	if err != nil {
		t.Fatalf("retry reset failed: %v", err)
	}
	if updated.Progress != 0 || updated.CurrentStep != "" || updated.ErrorMessage != "" {
		t.Errorf("Expected progress/step/error cleared, got %+v", updated)
	}
	if updated.StartedAt != nil || updated.CompletedAt != nil {
		t.Errorf("Expected timestamps cleared on retry reset")
	}
	if updated.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", updated.RetryCount)
	}
}

func TestMemoryStoreDeleteTerminalOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, newTestTask("pending", task.StatusPending))
	s.Create(ctx, newTestTask("done", task.StatusCompleted))

	if err := s.Delete(ctx, "pending"); !errors.Is(err, task.ErrNotTerminal) {
		t.Errorf("Expected ErrNotTerminal deleting a pending row, got %v", err)
	}
	if err := s.Delete(ctx, "done"); err != nil {
		t.Errorf("Delete of terminal row failed: %v", err)
	}
	if err := s.Delete(ctx, "done"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStoreReadyToRunOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := newTestTask("normal-old", task.StatusPending)
	older.CreatedAt = time.Now().Add(-1 * time.Minute)
	s.Create(ctx, older)

	urgent := newTestTask("urgent-new", task.StatusPending)
	urgent.Priority = task.PriorityUrgent
	s.Create(ctx, urgent)

	future := newTestTask("scheduled-later", task.StatusPending)
	at := time.Now().Add(1 * time.Hour)
	future.ScheduledAt = &at
	s.Create(ctx, future)

	runningTask := newTestTask("running", task.StatusRunning)
	s.Create(ctx, runningTask)

	ready, err := s.ReadyToRun(ctx)
	if err != nil {
		t.Fatalf("ReadyToRun failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("Expected 2 ready rows, got %d", len(ready))
	}
	if ready[0].ID != "urgent-new" {
		t.Errorf("Expected urgent task first, got %s", ready[0].ID)
	}
	if ready[1].ID != "normal-old" {
		t.Errorf("Expected normal task second, got %s", ready[1].ID)
	}
}

func TestMemoryStoreCounting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	recent := newTestTask("recent", task.StatusPending)
	s.Create(ctx, recent)

	old := newTestTask("old", task.StatusCompleted)
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	s.Create(ctx, old)

	otherUser := newTestTask("other", task.StatusPending)
	otherUser.CreatedByUserID = "user-2"
	s.Create(ctx, otherUser)

	count, err := s.CountSince(ctx, "user-1", task.TypePartEnrichment, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSince failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 recent row for user-1, got %d", count)
	}

	active, err := s.CountActive(ctx, "user-1", task.TypePartEnrichment, time.Hour)
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if active != 1 {
		t.Errorf("Expected 1 active row, got %d", active)
	}
}

func TestMemoryStoreMarkStale(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stuck := newTestTask("stuck", task.StatusRunning)
	stuck.CreatedAt = time.Now().Add(-3 * time.Hour)
	s.Create(ctx, stuck)

	fresh := newTestTask("fresh", task.StatusRunning)
	s.Create(ctx, fresh)

	reaped, err := s.MarkStale(ctx, "", time.Hour, "stuck past stale guard")
	if err != nil {
		t.Fatalf("MarkStale failed: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != "stuck" {
		t.Fatalf("Expected only the stuck row reaped, got %d rows", len(reaped))
	}
	if reaped[0].Status != task.StatusFailed {
		t.Errorf("Expected reaped row failed, got %s", reaped[0].Status)
	}

	after, _ := s.Get(ctx, "fresh")
	if after.Status != task.StatusRunning {
		t.Errorf("Fresh row should be untouched, got %s", after.Status)
	}
}

func TestMemoryStoreBackupConfig(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cfg, err := s.GetBackupConfig(ctx)
	if err != nil {
		t.Fatalf("GetBackupConfig failed: %v", err)
	}
	if cfg.ScheduleType != task.ScheduleNightly || cfg.RetentionCount != 7 {
		t.Errorf("Unexpected default config: %+v", cfg)
	}

	cfg.ScheduleEnabled = true
	cfg.ScheduleType = task.ScheduleWeekly
	if err := s.UpdateBackupConfig(ctx, cfg); err != nil {
		t.Fatalf("UpdateBackupConfig failed: %v", err)
	}
	got, _ := s.GetBackupConfig(ctx)
	if !got.ScheduleEnabled || got.ScheduleType != task.ScheduleWeekly {
		t.Errorf("Config update not persisted: %+v", got)
	}
}
