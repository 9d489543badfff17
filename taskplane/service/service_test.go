package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/handler"
	"github.com/partshive/partshive/taskplane/policy"
	"github.com/partshive/partshive/taskplane/scheduler"
	"github.com/partshive/partshive/taskplane/store"
	"github.com/partshive/partshive/taskplane/task"
)

func newTestService(t *testing.T) (*TaskService, store.TaskStore) {
	t.Helper()
	s := store.NewMemoryStore()
	bus := events.NewBus()
	engine := policy.NewEngine(s, policy.NewMemoryApprovalStore(), bus, 300*time.Second)
	reg := handler.NewRegistry()
	if err := handler.RegisterBuiltins(reg, handler.DefaultDeps(t.TempDir())); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	disp := scheduler.NewDispatcher(s, reg, bus, scheduler.Config{Tick: 10 * time.Millisecond})
	return New(s, engine, reg, disp, bus), s
}

func testActor() policy.Actor {
	return policy.Actor{UserID: "user-1", Capabilities: []string{"tasks:user", "parts:read", "parts:write"}}
}

func TestSubmitDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.Submit(context.Background(), testActor(), task.SubmitRequest{
		Type:  task.TypePartEnrichment,
		Input: task.JSONMap{"part_id": "p1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if created.ID == "" {
		t.Error("Expected a generated id")
	}
	if created.Status != task.StatusPending {
		t.Errorf("Expected pending, got %s", created.Status)
	}
	if created.Priority != task.PriorityNormal {
		t.Errorf("Expected default priority normal, got %s", created.Priority)
	}
	if created.MaxRetries != 3 {
		t.Errorf("Expected default max_retries 3, got %d", created.MaxRetries)
	}
	if created.Name != "Part Enrichment" {
		t.Errorf("Expected name from handler metadata, got %q", created.Name)
	}
	if created.CreatedByUserID != "user-1" {
		t.Errorf("Expected creator recorded, got %q", created.CreatedByUserID)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	actor := testActor()

	var verr *task.ValidationError

	_, err := svc.Submit(ctx, actor, task.SubmitRequest{Type: "no_such_type"})
	if !errors.As(err, &verr) || verr.Field != "type" {
		t.Errorf("Expected type validation error, got %v", err)
	}

	zero := 0
	_, err = svc.Submit(ctx, actor, task.SubmitRequest{
		Type: task.TypePartEnrichment, TimeoutSeconds: &zero,
		Input: task.JSONMap{"part_id": "p1"},
	})
	if !errors.As(err, &verr) || verr.Field != "timeout_seconds" {
		t.Errorf("Expected timeout validation error, got %v", err)
	}

	_, err = svc.Submit(ctx, actor, task.SubmitRequest{
		Type: task.TypePartEnrichment, Priority: "extreme",
		Input: task.JSONMap{"part_id": "p1"},
	})
	if !errors.As(err, &verr) || verr.Field != "priority" {
		t.Errorf("Expected priority validation error, got %v", err)
	}

	_, err = svc.Submit(ctx, actor, task.SubmitRequest{
		Type: task.TypePartEnrichment, DependsOnTaskIDs: []string{"ghost"},
		Input: task.JSONMap{"part_id": "p1"},
	})
	if !errors.As(err, &verr) || verr.Field != "depends_on_task_ids" {
		t.Errorf("Expected dependency validation error, got %v", err)
	}
}

func TestSubmitPolicyDenied(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), testActor(), task.SubmitRequest{
		Type: task.TypeDatabaseCleanup,
	})
	if _, ok := task.IsPolicyDenied(err); !ok {
		t.Fatalf("Expected policy denial, got %v", err)
	}

	// A denied submission must not leave a row behind
	tasks, _ := svc.List(context.Background(), task.Filter{})
	if len(tasks) != 0 {
		t.Errorf("Expected no rows after denial, got %d", len(tasks))
	}
}

func TestUpdateRejectsLifecycleFields(t *testing.T) {
	svc, _ := newTestService(t)
	created, err := svc.Submit(context.Background(), testActor(), task.SubmitRequest{
		Type:  task.TypePartEnrichment,
		Input: task.JSONMap{"part_id": "p1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	running := task.StatusRunning
	if _, err := svc.Update(context.Background(), created.ID, task.Patch{Status: &running}); err == nil {
		t.Error("Expected status patch to be rejected")
	}

	step := "external annotation"
	updated, err := svc.Update(context.Background(), created.ID, task.Patch{CurrentStep: &step})
	if err != nil {
		t.Fatalf("Step patch failed: %v", err)
	}
	if updated.CurrentStep != step {
		t.Errorf("Expected step updated, got %q", updated.CurrentStep)
	}
}

func TestGetAndDelete(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	created, _ := svc.Submit(ctx, testActor(), task.SubmitRequest{
		Type:  task.TypePartEnrichment,
		Input: task.JSONMap{"part_id": "p1"},
	})

	if err := svc.Delete(ctx, created.ID); !errors.Is(err, task.ErrNotTerminal) {
		t.Errorf("Expected ErrNotTerminal deleting a pending task, got %v", err)
	}

	// Drive the row terminal, then delete
	running := task.StatusRunning
	completed := task.StatusCompleted
	s.Update(ctx, created.ID, task.Patch{Status: &running})
	s.Update(ctx, created.ID, task.Patch{Status: &completed})
	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Errorf("Delete of terminal task failed: %v", err)
	}
}

func TestSystemSubmitClearsPolicy(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.SystemSubmit(context.Background(), task.SubmitRequest{
		Type:  task.TypeBackupScheduled,
		Name:  "Scheduled backup",
		Input: task.JSONMap{"scheduled": true},
	})
	if err != nil {
		t.Fatalf("SystemSubmit failed: %v", err)
	}
	if created.CreatedByUserID != "system" {
		t.Errorf("Expected system creator, got %q", created.CreatedByUserID)
	}
}

func TestHandlersCatalogComplete(t *testing.T) {
	svc, _ := newTestService(t)
	infos := svc.Handlers()
	if len(infos) != len(task.AllTypes) {
		t.Fatalf("Expected %d handlers, got %d", len(task.AllTypes), len(infos))
	}
	seen := make(map[task.Type]bool)
	for _, info := range infos {
		if info.Name == "" || info.Description == "" {
			t.Errorf("Handler %s missing metadata", info.Type)
		}
		seen[info.Type] = true
	}
	for _, typ := range task.AllTypes {
		if !seen[typ] {
			t.Errorf("No handler registered for %s", typ)
		}
	}
}

func TestBackupConfigRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.BackupConfig(ctx)
	if err != nil {
		t.Fatalf("BackupConfig failed: %v", err)
	}
	if cfg.RetentionCount != 7 {
		t.Errorf("Expected default retention 7, got %d", cfg.RetentionCount)
	}

	cfg.ScheduleEnabled = false
	cfg.ScheduleType = task.ScheduleCustom
	cfg.CronExpression = ""
	if _, err := svc.UpdateBackupConfig(ctx, cfg); err == nil {
		t.Error("Expected custom schedule without expression to be rejected")
	}

	cfg.ScheduleType = task.ScheduleWeekly
	cfg.EncryptionPassword = "hunter2hunter2"
	updated, err := svc.UpdateBackupConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("UpdateBackupConfig failed: %v", err)
	}
	if updated.EncryptionPassword != "" {
		t.Error("Expected password redacted in API responses")
	}

	// Empty password on a later update keeps the stored secret
	cfg2, _ := svc.BackupConfig(ctx)
	cfg2.RetentionCount = 14
	cfg2.EncryptionPassword = ""
	if _, err := svc.UpdateBackupConfig(ctx, cfg2); err != nil {
		t.Fatalf("Second update failed: %v", err)
	}
}
