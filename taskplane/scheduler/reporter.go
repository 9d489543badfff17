package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/store"
)

// progressReporter is the handler-facing write path for one execution
// attempt. Progress is clamped to [0,100] and never moves backwards within
// the attempt; the write goes through the store first so subscribers and
// pollers can never disagree.
type progressReporter struct {
	store  store.TaskStore
	bus    *events.Bus
	taskID string

	mu   sync.Mutex
	last int
	step string
}

func newProgressReporter(st store.TaskStore, bus *events.Bus, taskID string) *progressReporter {
	return &progressReporter{store: st, bus: bus, taskID: taskID}
}

func (r *progressReporter) Progress(ctx context.Context, pct int, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	r.mu.Lock()
	if pct < r.last {
		pct = r.last
	}
	r.last = pct
	if step == "" {
		step = r.step
	} else {
		r.step = step
	}
	r.mu.Unlock()

	patch := patchProgress(pct, step)
	updated, err := r.store.Update(ctx, r.taskID, patch)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	r.bus.PublishUpdate(updated)
	return nil
}

func (r *progressReporter) Step(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.step = step
	pct := r.last
	r.mu.Unlock()

	updated, err := r.store.Update(ctx, r.taskID, patchProgress(pct, step))
	if err != nil {
		return fmt.Errorf("report step: %w", err)
	}
	r.bus.PublishUpdate(updated)
	return nil
}

func (r *progressReporter) Log(ctx context.Context, level, message string) {
	r.mu.Lock()
	step := r.step
	r.mu.Unlock()
	log.Printf("[TASK %s] %s: %s", r.taskID, level, message)
	r.bus.PublishLog(r.taskID, level, step, message)
}
