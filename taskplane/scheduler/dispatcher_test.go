package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/handler"
	"github.com/partshive/partshive/taskplane/store"
	"github.com/partshive/partshive/taskplane/task"
)

// testHandler runs a configurable Execute for TypePartEnrichment.
type testHandler struct {
	handler.BaseHandler
	execute func(ctx context.Context, t *task.Task, rep handler.Reporter) (task.JSONMap, error)
	runs    atomic.Int32
}

func newTestHandler(fn func(ctx context.Context, t *task.Task, rep handler.Reporter) (task.JSONMap, error)) *testHandler {
	return &testHandler{
		BaseHandler: handler.BaseHandler{
			TaskType:  task.TypePartEnrichment,
			HumanName: "Test",
			Desc:      "test handler",
		},
		execute: fn,
	}
}

func (h *testHandler) Execute(ctx context.Context, t *task.Task, rep handler.Reporter) (task.JSONMap, error) {
	h.runs.Add(1)
	return h.execute(ctx, t, rep)
}

func testDispatcher(t *testing.T, h handler.Handler) (*Dispatcher, store.TaskStore) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := handler.NewRegistry()
	if h != nil {
		if err := reg.Register(h); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	d := NewDispatcher(s, reg, events.NewBus(), Config{
		Tick:              10 * time.Millisecond,
		TimeoutSeconds:    30,
		UserRatePerSecond: 1000,
		UserBurst:         1000,
	})
	return d, s
}

func seedTask(t *testing.T, s store.TaskStore, id string, mutate func(*task.Task)) *task.Task {
	t.Helper()
	row := &task.Task{
		ID:              id,
		Type:            task.TypePartEnrichment,
		Name:            "test",
		Status:          task.StatusPending,
		Priority:        task.PriorityNormal,
		MaxRetries:      3,
		CreatedAt:       time.Now().UTC(),
		CreatedByUserID: "user-1",
	}
	if mutate != nil {
		mutate(row)
	}
	if err := s.Create(context.Background(), row); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return row
}

func waitForStatus(t *testing.T, s store.TaskStore, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != nil && got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := s.Get(context.Background(), id)
	t.Fatalf("Task %s never reached %s, last seen: %+v", id, want, got)
	return nil
}

func TestDispatcherRunsTaskToCompletion(t *testing.T) {
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		if err := rep.Progress(ctx, 50, "halfway"); err != nil {
			return nil, err
		}
		return task.JSONMap{"ok": true}, nil
	})
	d, s := testDispatcher(t, h)
	seedTask(t, s, "t1", nil)

	d.Start()
	defer d.Stop()

	got := waitForStatus(t, s, "t1", task.StatusCompleted)
	if got.Progress != 100 {
		t.Errorf("Expected progress 100 on completion, got %d", got.Progress)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("Expected both lifecycle timestamps set")
	}
	if got.Result == nil || got.Result["ok"] != true {
		t.Errorf("Expected result carried through, got %+v", got.Result)
	}
}

func TestDispatcherRecordsFailure(t *testing.T) {
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		return nil, errors.New("supplier unreachable")
	})
	d, s := testDispatcher(t, h)
	seedTask(t, s, "t1", nil)

	d.Start()
	defer d.Stop()

	got := waitForStatus(t, s, "t1", task.StatusFailed)
	if got.ErrorMessage != "supplier unreachable" {
		t.Errorf("Expected error message recorded, got %q", got.ErrorMessage)
	}
}

func TestDispatcherTimeout(t *testing.T) {
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d, s := testDispatcher(t, h)
	seedTask(t, s, "t1", func(row *task.Task) {
		row.TimeoutSeconds = 1
	})

	d.Start()
	defer d.Stop()

	got := waitForStatus(t, s, "t1", task.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "timed out after 1 seconds") {
		t.Errorf("Expected timeout message, got %q", got.ErrorMessage)
	}
}

func TestDispatcherLateSuccessAfterDeadlineFails(t *testing.T) {
	// The handler ignores its context and returns success after the
	// deadline. The breach must still be recorded as a timeout failure.
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		time.Sleep(1500 * time.Millisecond)
		return task.JSONMap{"ok": true}, nil
	})
	d, s := testDispatcher(t, h)
	seedTask(t, s, "t1", func(row *task.Task) {
		row.TimeoutSeconds = 1
	})

	d.Start()
	defer d.Stop()

	got := waitForStatus(t, s, "t1", task.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "timed out after 1 seconds") {
		t.Errorf("Expected timeout message, got %q", got.ErrorMessage)
	}
	if got.Result != nil {
		t.Errorf("Late result must be discarded, got %+v", got.Result)
	}
	if got.Progress == 100 {
		t.Errorf("Breached execution must not report full progress")
	}
}

func TestDispatcherForceMarksUnresponsiveExecution(t *testing.T) {
	// The handler never observes cancellation at all. The row must be
	// marked at the store within the deadline plus the grace window, while
	// the handler is still blocked in process.
	block := make(chan struct{})
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		<-block
		return task.JSONMap{"ok": true}, nil
	})
	s := store.NewMemoryStore()
	reg := handler.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	d := NewDispatcher(s, reg, events.NewBus(), Config{
		Tick:              10 * time.Millisecond,
		TimeoutSeconds:    30,
		UserRatePerSecond: 1000,
		UserBurst:         1000,
		Grace:             200 * time.Millisecond,
	})
	seedTask(t, s, "t1", func(row *task.Task) {
		row.TimeoutSeconds = 1
	})

	d.Start()

	got := waitForStatus(t, s, "t1", task.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "timed out after 1 seconds") {
		t.Errorf("Expected timeout message, got %q", got.ErrorMessage)
	}

	// Unblock the handler; its late completion must not overwrite the
	// terminal state.
	close(block)
	d.Stop()
	after, _ := s.Get(context.Background(), "t1")
	if after.Status != task.StatusFailed {
		t.Errorf("Late completion overwrote the forced terminal state: %s", after.Status)
	}
}

func TestDispatcherCancelRunning(t *testing.T) {
	started := make(chan struct{})
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d, s := testDispatcher(t, h)
	seedTask(t, s, "t1", nil)

	d.Start()
	defer d.Stop()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Handler never started")
	}

	if _, err := d.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got := waitForStatus(t, s, "t1", task.StatusCancelled)
	if got.CurrentStep != "cancelled by user" {
		t.Errorf("Expected user cancel reason in current_step, got %q", got.CurrentStep)
	}
	if got.ErrorMessage != "" {
		t.Errorf("Cancellation must not populate error_message, got %q", got.ErrorMessage)
	}
}

func TestDispatcherCancelQueued(t *testing.T) {
	d, s := testDispatcher(t, nil)
	seedTask(t, s, "t1", nil)

	// Worker not started: the row is still queued
	got, err := d.Cancel(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}
	if got.CurrentStep != "cancelled by user" {
		t.Errorf("Expected cancel reason in current_step, got %q", got.CurrentStep)
	}
}

func TestDispatcherDependencyGating(t *testing.T) {
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		return task.JSONMap{}, nil
	})
	d, s := testDispatcher(t, h)

	seedTask(t, s, "dep", func(row *task.Task) {
		// Hold the dependency out of the ready queue so it stays pending
		at := time.Now().Add(time.Hour)
		row.ScheduledAt = &at
	})
	seedTask(t, s, "t1", func(row *task.Task) {
		row.DependsOnTaskIDs = []string{"dep"}
	})

	d.Start()
	defer d.Stop()

	// The dependent task must wait while the dependency is pending
	time.Sleep(100 * time.Millisecond)
	got, _ := s.Get(context.Background(), "t1")
	if got.Status != task.StatusPending {
		t.Fatalf("Expected t1 still pending behind its dependency, got %s", got.Status)
	}

	// Complete the dependency out of band
	running := task.StatusRunning
	completed := task.StatusCompleted
	if _, err := s.Update(context.Background(), "dep", task.Patch{Status: &running}); err != nil {
		t.Fatalf("dep -> running: %v", err)
	}
	if _, err := s.Update(context.Background(), "dep", task.Patch{Status: &completed}); err != nil {
		t.Fatalf("dep -> completed: %v", err)
	}

	waitForStatus(t, s, "t1", task.StatusCompleted)
}

func TestDispatcherFailedDependencyHoldsDependent(t *testing.T) {
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		return task.JSONMap{}, nil
	})
	d, s := testDispatcher(t, h)

	seedTask(t, s, "dep", func(row *task.Task) {
		row.Status = task.StatusFailed
	})
	seedTask(t, s, "t1", func(row *task.Task) {
		row.DependsOnTaskIDs = []string{"dep"}
	})

	d.Start()
	defer d.Stop()

	// A failed dependency holds the dependent pending; it never fails it
	time.Sleep(150 * time.Millisecond)
	got, _ := s.Get(context.Background(), "t1")
	if got.Status != task.StatusPending {
		t.Fatalf("Expected t1 pending behind its failed dependency, got %s", got.Status)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("Handler must not run while the dependency is failed")
	}

	// Retrying the dependency to completion releases the dependent
	pending := task.StatusPending
	running := task.StatusRunning
	completed := task.StatusCompleted
	if _, err := s.Update(context.Background(), "dep", task.Patch{Status: &pending, RetryReset: true}); err != nil {
		t.Fatalf("dep -> pending: %v", err)
	}
	if _, err := s.Update(context.Background(), "dep", task.Patch{Status: &running}); err != nil {
		t.Fatalf("dep -> running: %v", err)
	}
	if _, err := s.Update(context.Background(), "dep", task.Patch{Status: &completed}); err != nil {
		t.Fatalf("dep -> completed: %v", err)
	}
	waitForStatus(t, s, "t1", task.StatusCompleted)
}

func TestDispatcherCancelledDependencyHoldsDependent(t *testing.T) {
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		return task.JSONMap{}, nil
	})
	d, s := testDispatcher(t, h)

	seedTask(t, s, "dep", func(row *task.Task) {
		row.Status = task.StatusCancelled
	})
	seedTask(t, s, "t1", func(row *task.Task) {
		row.DependsOnTaskIDs = []string{"dep"}
	})

	d.Start()
	defer d.Stop()

	time.Sleep(150 * time.Millisecond)
	got, _ := s.Get(context.Background(), "t1")
	if got.Status != task.StatusPending {
		t.Fatalf("Expected t1 pending behind its cancelled dependency, got %s", got.Status)
	}
	if h.runs.Load() != 0 {
		t.Errorf("Handler must not run while the dependency is cancelled")
	}
}

func TestDispatcherMissingHandler(t *testing.T) {
	d, s := testDispatcher(t, nil)
	seedTask(t, s, "t1", nil)

	d.Start()
	defer d.Stop()

	got := waitForStatus(t, s, "t1", task.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "no handler registered") {
		t.Errorf("Expected missing-handler reason, got %q", got.ErrorMessage)
	}
}

func TestDispatcherRetryFlow(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		if fail.Load() {
			return nil, errors.New("transient")
		}
		return task.JSONMap{}, nil
	})
	d, s := testDispatcher(t, h)
	seedTask(t, s, "t1", nil)

	d.Start()
	defer d.Stop()

	waitForStatus(t, s, "t1", task.StatusFailed)

	fail.Store(false)
	requeued, err := d.Retry(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", requeued.RetryCount)
	}
	if requeued.ErrorMessage != "" || requeued.Progress != 0 {
		t.Errorf("Expected attempt state reset, got %+v", requeued)
	}

	got := waitForStatus(t, s, "t1", task.StatusCompleted)
	if got.RetryCount != 1 {
		t.Errorf("Retry count must survive completion, got %d", got.RetryCount)
	}
}

func TestDispatcherRetryRules(t *testing.T) {
	d, s := testDispatcher(t, nil)
	seedTask(t, s, "running", func(row *task.Task) {
		row.Status = task.StatusRunning
	})
	seedTask(t, s, "exhausted", func(row *task.Task) {
		row.Status = task.StatusFailed
		row.RetryCount = 3
		row.MaxRetries = 3
	})

	if _, err := d.Retry(context.Background(), "running"); !errors.Is(err, task.ErrNotRetryable) {
		t.Errorf("Expected ErrNotRetryable for a running task, got %v", err)
	}
	if _, err := d.Retry(context.Background(), "exhausted"); !errors.Is(err, task.ErrRetriesExhausted) {
		t.Errorf("Expected ErrRetriesExhausted, got %v", err)
	}
	if _, err := d.Retry(context.Background(), "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDispatcherStopCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	h := newTestHandler(func(ctx context.Context, tk *task.Task, rep handler.Reporter) (task.JSONMap, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d, s := testDispatcher(t, h)
	seedTask(t, s, "t1", nil)

	d.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Handler never started")
	}
	d.Stop()

	got := waitForStatus(t, s, "t1", task.StatusCancelled)
	if got.CurrentStep != "worker shutdown" {
		t.Errorf("Expected shutdown reason in current_step, got %q", got.CurrentStep)
	}
	if d.Running() {
		t.Errorf("Dispatcher still reports running after Stop")
	}
}

func TestDispatcherStartStopIdempotent(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	d.Start()
	d.Start()
	if !d.Running() {
		t.Fatal("Expected running after Start")
	}
	d.Stop()
	d.Stop()
	if d.Running() {
		t.Fatal("Expected stopped after Stop")
	}
}
