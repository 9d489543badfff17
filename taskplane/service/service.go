// Package service is the façade the transport layer talks to. It validates
// submissions, runs them through policy, owns the worker lifecycle, and
// translates between API intents and store patches.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/handler"
	"github.com/partshive/partshive/taskplane/observability"
	"github.com/partshive/partshive/taskplane/policy"
	"github.com/partshive/partshive/taskplane/recurring"
	"github.com/partshive/partshive/taskplane/scheduler"
	"github.com/partshive/partshive/taskplane/store"
	"github.com/partshive/partshive/taskplane/task"
)

const (
	defaultMaxRetries = 3
	maxDependencies   = 10
)

// systemActor is the identity recurring jobs submit under. It carries the
// admin capability so scheduler-created maintenance tasks clear policy.
var systemActor = policy.Actor{
	UserID: recurring.SystemUserID,
	Capabilities: []string{policy.CapabilityAdmin, "system", "inventory:audit",
		"backup:create", "backup:retention"},
}

// TaskService ties the subsystem together behind one surface.
type TaskService struct {
	store      store.TaskStore
	engine     *policy.Engine
	registry   *handler.Registry
	dispatcher *scheduler.Dispatcher
	bus        *events.Bus
	recurring  *recurring.Scheduler
}

// New builds the façade. Call SetRecurring afterwards if scheduled backups
// are enabled; the recurring scheduler needs a submit function bound to this
// service first.
func New(st store.TaskStore, engine *policy.Engine, reg *handler.Registry, disp *scheduler.Dispatcher, bus *events.Bus) *TaskService {
	return &TaskService{
		store:      st,
		engine:     engine,
		registry:   reg,
		dispatcher: disp,
		bus:        bus,
	}
}

// SetRecurring attaches the recurring scheduler so config updates can
// reload it.
func (s *TaskService) SetRecurring(r *recurring.Scheduler) { s.recurring = r }

// Submit validates, authorizes, and persists a new task. The returned
// snapshot is the created row.
func (s *TaskService) Submit(ctx context.Context, actor policy.Actor, req task.SubmitRequest) (*task.Task, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	if err := s.engine.Evaluate(ctx, actor, req.Type, req.Input); err != nil {
		return nil, err
	}
	return s.create(ctx, actor.UserID, req)
}

// SystemSubmit inserts a task as the system user. Recurring jobs bind this
// as their submit function.
func (s *TaskService) SystemSubmit(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	return s.Submit(ctx, systemActor, req)
}

func (s *TaskService) validate(ctx context.Context, req task.SubmitRequest) error {
	if !req.Type.Valid() {
		return &task.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", req.Type)}
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return &task.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", req.Priority)}
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds <= 0 {
		return &task.ValidationError{Field: "timeout_seconds", Reason: "must be positive when set"}
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return &task.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if len(req.DependsOnTaskIDs) > maxDependencies {
		return &task.ValidationError{Field: "depends_on_task_ids",
			Reason: fmt.Sprintf("at most %d dependencies allowed", maxDependencies)}
	}
	for _, depID := range req.DependsOnTaskIDs {
		dep, err := s.store.Get(ctx, depID)
		if err != nil {
			return fmt.Errorf("check dependency %s: %w", depID, err)
		}
		if dep == nil {
			return &task.ValidationError{Field: "depends_on_task_ids",
				Reason: fmt.Sprintf("dependency %s does not exist", depID)}
		}
	}
	return nil
}

func (s *TaskService) create(ctx context.Context, userID string, req task.SubmitRequest) (*task.Task, error) {
	now := time.Now().UTC()
	t := &task.Task{
		ID:                uuid.NewString(),
		Type:              req.Type,
		Name:              req.Name,
		Description:       req.Description,
		Status:            task.StatusPending,
		Priority:          req.Priority,
		Input:             req.Input.Clone(),
		MaxRetries:        defaultMaxRetries,
		CreatedAt:         now,
		ScheduledAt:       req.ScheduledAt,
		CreatedByUserID:   userID,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
		ParentTaskID:      req.ParentTaskID,
		DependsOnTaskIDs:  append([]string(nil), req.DependsOnTaskIDs...),
	}
	if t.Priority == "" {
		t.Priority = task.PriorityNormal
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds != nil {
		t.TimeoutSeconds = *req.TimeoutSeconds
	}
	if t.Name == "" {
		if h := s.registry.Lookup(t.Type); h != nil {
			t.Name = h.Name()
		} else {
			t.Name = string(t.Type)
		}
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	observability.TasksSubmitted.WithLabelValues(string(t.Type)).Inc()
	s.bus.PublishUpdate(t)

	rec := map[string]string{
		"component": "service",
		"op":        "submit",
		"task_id":   t.ID,
		"type":      string(t.Type),
		"actor":     userID,
	}
	b, _ := json.Marshal(rec)
	log.Println(string(b))
	return t.Clone(), nil
}

// Get returns a snapshot of one task. Missing rows return task.ErrNotFound.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// List returns snapshots matching the filter.
func (s *TaskService) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	return s.store.List(ctx, filter)
}

// Update applies an external patch. Status, retry bookkeeping, and the reset
// flag are reserved for the worker and the cancel/retry intents; a patch
// touching them is rejected.
func (s *TaskService) Update(ctx context.Context, id string, patch task.Patch) (*task.Task, error) {
	if patch.Status != nil || patch.RetryCount != nil || patch.RetryReset {
		return nil, &task.ValidationError{Field: "status",
			Reason: "lifecycle fields cannot be patched directly, use cancel or retry"}
	}
	updated, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.bus.PublishUpdate(updated)
	return updated, nil
}

// Cancel stops a queued or running task.
func (s *TaskService) Cancel(ctx context.Context, id string) (*task.Task, error) {
	return s.dispatcher.Cancel(ctx, id)
}

// Retry re-queues a failed task if it has retry budget left.
func (s *TaskService) Retry(ctx context.Context, id string) (*task.Task, error) {
	return s.dispatcher.Retry(ctx, id)
}

// Delete removes a terminal task row.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Handlers lists the registered handler metadata.
func (s *TaskService) Handlers() []handler.Info {
	return s.registry.List()
}

// StartWorker starts the dispatch loop. Idempotent.
func (s *TaskService) StartWorker() { s.dispatcher.Start() }

// StopWorker stops the dispatch loop and cancels in-flight work. Idempotent.
func (s *TaskService) StopWorker() { s.dispatcher.Stop() }

// WorkerStatus snapshots the dispatch loop.
func (s *TaskService) WorkerStatus() scheduler.Status {
	return s.dispatcher.WorkerStatus()
}

// BackupConfig returns the schedule config with the password redacted.
func (s *TaskService) BackupConfig(ctx context.Context) (*task.BackupConfig, error) {
	cfg, err := s.store.GetBackupConfig(ctx)
	if err != nil {
		return nil, err
	}
	out := cfg.Clone()
	if out != nil {
		out.EncryptionPassword = ""
	}
	return out, nil
}

// UpdateBackupConfig persists a new schedule config and reloads the
// recurring scheduler. An empty password in the update keeps the stored one.
func (s *TaskService) UpdateBackupConfig(ctx context.Context, cfg *task.BackupConfig) (*task.BackupConfig, error) {
	if cfg.ScheduleType == task.ScheduleCustom && cfg.CronExpression == "" {
		return nil, &task.ValidationError{Field: "cron_expression", Reason: "required for custom schedules"}
	}
	if cfg.RetentionCount < 1 {
		return nil, &task.ValidationError{Field: "retention_count", Reason: "must be at least 1"}
	}
	current, err := s.store.GetBackupConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.EncryptionPassword == "" && current != nil {
		cfg.EncryptionPassword = current.EncryptionPassword
	}
	if current != nil {
		cfg.LastBackupAt = current.LastBackupAt
	}
	if err := s.store.UpdateBackupConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if s.recurring != nil {
		if err := s.recurring.Reload(ctx); err != nil {
			return nil, fmt.Errorf("reload schedule: %w", err)
		}
	}
	return s.BackupConfig(ctx)
}
