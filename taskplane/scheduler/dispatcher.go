// Package scheduler runs the dispatch loop: it promotes ready rows to
// running executions, enforces dependency gating and per-user pacing, reaps
// stale rows, and owns the in-flight cancellation handles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/handler"
	"github.com/partshive/partshive/taskplane/observability"
	"github.com/partshive/partshive/taskplane/store"
	"github.com/partshive/partshive/taskplane/task"
)

const (
	// DefaultTick is the poll interval of the dispatch loop.
	DefaultTick = 1 * time.Second
	// errorBackoff is the pause after a tick that failed outright.
	errorBackoff = 5 * time.Second
	// DefaultTimeoutSeconds bounds executions with no explicit timeout.
	DefaultTimeoutSeconds = 300
	// staleCheckInterval is how often the reaper sweeps.
	staleCheckInterval = 1 * time.Minute
	// shutdownGrace is how long Stop waits for in-flight handlers to
	// observe cancellation before giving up on them.
	shutdownGrace = 5 * time.Second
	// terminalGrace is added to an execution's deadline before a handler
	// that never observed cancellation is force-marked at the store.
	terminalGrace = 5 * time.Second
	// terminalWriteAttempts bounds retries of a terminal store write.
	terminalWriteAttempts = 3
)

// Config tunes the dispatcher. Zero values fall back to the defaults above.
type Config struct {
	Tick           time.Duration
	TimeoutSeconds int
	// MaxConcurrent caps simultaneous executions; <= 0 means unlimited.
	MaxConcurrent int
	// UserRatePerSecond / UserBurst configure per-user dispatch pacing.
	UserRatePerSecond float64
	UserBurst         int
	// Grace bounds how long past its deadline an unresponsive execution
	// may hold its row before the store is force-marked.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.UserRatePerSecond <= 0 {
		c.UserRatePerSecond = 2
	}
	if c.UserBurst <= 0 {
		c.UserBurst = 4
	}
	if c.Grace <= 0 {
		c.Grace = terminalGrace
	}
	return c
}

// inflight is one running execution and its cancellation handle.
type inflight struct {
	t      *task.Task
	cancel context.CancelFunc
	// reason is set before cancel() so the runner knows whether the stop
	// was a user cancel or a worker shutdown.
	reason string
}

// Dispatcher is the worker loop. Start and Stop are idempotent.
type Dispatcher struct {
	store    store.TaskStore
	registry *handler.Registry
	bus      *events.Bus
	cfg      Config
	limiter  *userLimiter

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	loopStop  context.CancelFunc
	inFlight  map[string]*inflight
	wg        sync.WaitGroup
}

// NewDispatcher wires the worker loop over its collaborators.
func NewDispatcher(st store.TaskStore, reg *handler.Registry, bus *events.Bus, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:    st,
		registry: reg,
		bus:      bus,
		cfg:      cfg,
		limiter:  newUserLimiter(cfg.UserRatePerSecond, cfg.UserBurst),
		inFlight: make(map[string]*inflight),
	}
}

// Start launches the dispatch loop. Calling Start on a running dispatcher is
// a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.running = true
	d.startedAt = time.Now()
	d.loopStop = cancel
	go d.run(loopCtx)
	log.Printf("[DISPATCH] worker started (tick %s, default timeout %ds)", d.cfg.Tick, d.cfg.TimeoutSeconds)
}

// Stop halts the loop and cancels every in-flight execution, waiting up to
// the shutdown grace for handlers to unwind. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.loopStop()
	for _, fl := range d.inFlight {
		fl.reason = "worker shutdown"
		fl.cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("[DISPATCH] shutdown grace expired with executions still unwinding")
	}
	log.Printf("[DISPATCH] worker stopped")
}

// Running reports whether the loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Status describes the worker for the status endpoint.
type Status struct {
	Running       bool       `json:"running"`
	InFlight      int        `json:"in_flight"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	TickSeconds   float64    `json:"tick_seconds"`
	MaxConcurrent int        `json:"max_concurrent,omitempty"`
}

// WorkerStatus snapshots the loop state.
func (d *Dispatcher) WorkerStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Running:       d.running,
		InFlight:      len(d.inFlight),
		TickSeconds:   d.cfg.Tick.Seconds(),
		MaxConcurrent: d.cfg.MaxConcurrent,
	}
	if d.running {
		ts := d.startedAt
		s.StartedAt = &ts
	}
	return s
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	lastStale := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Since(lastStale) >= staleCheckInterval {
			d.reapStale(ctx)
			d.limiter.Prune()
			lastStale = time.Now()
		}

		if err := d.tick(ctx); err != nil {
			log.Printf("[DISPATCH] tick failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

// tick promotes every eligible ready row to a running execution.
func (d *Dispatcher) tick(ctx context.Context) error {
	ready, err := d.store.ReadyToRun(ctx)
	if err != nil {
		return fmt.Errorf("ready query: %w", err)
	}
	observability.ReadyQueueDepth.Set(float64(len(ready)))

	for _, t := range ready {
		if ctx.Err() != nil {
			return nil
		}
		d.mu.Lock()
		_, alreadyRunning := d.inFlight[t.ID]
		atCapacity := d.cfg.MaxConcurrent > 0 && len(d.inFlight) >= d.cfg.MaxConcurrent
		d.mu.Unlock()
		if alreadyRunning {
			continue
		}
		if atCapacity {
			observability.DispatchDecisions.WithLabelValues("capacity_wait").Inc()
			return nil
		}

		ok, missingDep := d.dependenciesMet(ctx, t)
		if missingDep != "" {
			observability.DispatchDecisions.WithLabelValues("dependency_missing").Inc()
			d.failBeforeStart(ctx, t, missingDep)
			continue
		}
		if !ok {
			observability.DispatchDecisions.WithLabelValues("dependency_wait").Inc()
			continue
		}

		if t.CreatedByUserID != "" && !d.limiter.Allow(t.CreatedByUserID) {
			observability.DispatchDecisions.WithLabelValues("pacing_delay").Inc()
			continue
		}

		h := d.registry.Lookup(t.Type)
		if h == nil {
			observability.DispatchDecisions.WithLabelValues("missing_handler").Inc()
			d.failBeforeStart(ctx, t, fmt.Sprintf("no handler registered for task type %q", t.Type))
			continue
		}

		if err := d.launch(ctx, t, h); err != nil {
			log.Printf("[DISPATCH] launch %s (%s): %v", t.ID, t.Type, err)
			continue
		}
		observability.DispatchDecisions.WithLabelValues("launch").Inc()
	}
	return nil
}

// dependenciesMet checks the declared upstream tasks. A failed or cancelled
// dependency holds the dependent pending: a retry can still bring it to
// completed. The second return is non-empty only for a deleted dependency,
// which can never complete.
func (d *Dispatcher) dependenciesMet(ctx context.Context, t *task.Task) (bool, string) {
	for _, depID := range t.DependsOnTaskIDs {
		dep, err := d.store.Get(ctx, depID)
		if err != nil {
			return false, ""
		}
		if dep == nil {
			return false, fmt.Sprintf("dependency %s not found", depID)
		}
		if dep.Status != task.StatusCompleted {
			return false, ""
		}
	}
	return true, ""
}

// failBeforeStart moves a never-started row straight to failed.
func (d *Dispatcher) failBeforeStart(ctx context.Context, t *task.Task, reason string) {
	st := task.StatusFailed
	updated, err := d.store.Update(ctx, t.ID, task.Patch{Status: &st, ErrorMessage: &reason})
	if err != nil {
		log.Printf("[DISPATCH] fail %s: %v", t.ID, err)
		return
	}
	observability.TaskOutcomes.WithLabelValues(string(t.Type), "failed").Inc()
	d.bus.PublishUpdate(updated)
}

// launch transitions the row to running and starts the execution goroutine.
func (d *Dispatcher) launch(ctx context.Context, t *task.Task, h handler.Handler) error {
	st := task.StatusRunning
	step := "starting"
	updated, err := d.store.Update(ctx, t.ID, task.Patch{Status: &st, CurrentStep: &step})
	if err != nil {
		return err
	}
	d.bus.PublishUpdate(updated)

	deadline := time.Duration(updated.DeadlineSeconds(d.cfg.TimeoutSeconds)) * time.Second
	execCtx, cancel := context.WithCancel(context.Background())
	execCtx, timeoutCancel := context.WithTimeout(execCtx, deadline)

	fl := &inflight{t: updated, cancel: cancel}
	d.mu.Lock()
	d.inFlight[updated.ID] = fl
	n := len(d.inFlight)
	d.mu.Unlock()
	observability.InFlightTasks.Set(float64(n))

	execDone := make(chan struct{})
	go d.forceTerminal(execDone, fl, deadline)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer timeoutCancel()
		defer cancel()
		d.execute(execCtx, fl, h, deadline)
		close(execDone)
		d.mu.Lock()
		delete(d.inFlight, updated.ID)
		n := len(d.inFlight)
		d.mu.Unlock()
		observability.InFlightTasks.Set(float64(n))
	}()
	return nil
}

// forceTerminal marks the row at the store when the handler blows through
// its deadline plus the grace window without observing cancellation. The
// late in-process completion is ignored: its terminal write arrives as an
// illegal transition and is rejected.
func (d *Dispatcher) forceTerminal(execDone <-chan struct{}, fl *inflight, deadline time.Duration) {
	select {
	case <-execDone:
		return
	case <-time.After(deadline + d.cfg.Grace):
	}

	d.mu.Lock()
	reason := fl.reason
	d.mu.Unlock()
	log.Printf("[DISPATCH] execution %s unresponsive %s past its deadline, force-marking", fl.t.ID, d.cfg.Grace)

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if reason != "" {
		step := reason
		d.finish(writeCtx, fl.t, task.StatusCancelled, task.Patch{CurrentStep: &step}, "")
		return
	}
	terr := &task.TimeoutError{Seconds: int(deadline.Seconds())}
	d.finish(writeCtx, fl.t, task.StatusFailed, task.Patch{}, terr.Error())
}

// execute runs one attempt and writes the terminal outcome.
func (d *Dispatcher) execute(ctx context.Context, fl *inflight, h handler.Handler, deadline time.Duration) {
	t := fl.t
	rep := newProgressReporter(d.store, d.bus, t.ID)
	started := time.Now()

	var result task.JSONMap
	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("handler panic: %v", r)
				log.Printf("[DISPATCH] handler for %s (%s) panicked: %v", t.ID, t.Type, r)
			}
		}()
		result, execErr = h.Execute(ctx, t.Clone(), rep)
	}()
	observability.TaskRuntimeSeconds.WithLabelValues(string(t.Type)).Observe(time.Since(started).Seconds())

	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()

	// The deadline and cancellation checks come before the nil-error case:
	// a handler that ignores its context and returns success after the
	// deadline has still breached it and must not be recorded completed.
	ctxErr := ctx.Err()
	switch {
	case errors.Is(execErr, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded):
		observability.TaskTimeouts.WithLabelValues(string(t.Type)).Inc()
		terr := &task.TimeoutError{Seconds: int(deadline.Seconds())}
		d.finish(writeCtx, t, task.StatusFailed, task.Patch{}, terr.Error())
	case errors.Is(execErr, context.Canceled) || errors.Is(ctxErr, context.Canceled):
		reason := fl.reason
		if reason == "" {
			reason = "cancelled by user"
		}
		d.finish(writeCtx, t, task.StatusCancelled, task.Patch{CurrentStep: &reason}, "")
	case execErr == nil:
		d.finish(writeCtx, t, task.StatusCompleted, task.Patch{Result: &result}, "")
	default:
		d.finish(writeCtx, t, task.StatusFailed, task.Patch{}, execErr.Error())
	}
}

// finish applies the terminal patch, retrying transient store failures so an
// execution outcome is never silently lost.
func (d *Dispatcher) finish(ctx context.Context, t *task.Task, status task.Status, patch task.Patch, errMsg string) {
	patch.Status = &status
	if status == task.StatusCompleted {
		full := 100
		patch.Progress = &full
	}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}

	var updated *task.Task
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= terminalWriteAttempts; attempt++ {
		updated, err = d.store.Update(ctx, t.ID, patch)
		if err == nil {
			break
		}
		if errors.Is(err, task.ErrNotFound) || errors.Is(err, task.ErrIllegalTransition) {
			break
		}
		observability.StoreWriteRetries.Inc()
		log.Printf("[DISPATCH] terminal write for %s failed (attempt %d): %v", t.ID, attempt, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		log.Printf("[DISPATCH] giving up on terminal write for %s: %v", t.ID, err)
		return
	}
	observability.TaskOutcomes.WithLabelValues(string(t.Type), string(status)).Inc()
	d.bus.PublishUpdate(updated)
	logDecision("dispatch", t.ID, string(t.Type), string(status), errMsg)
}

// Cancel stops a task: running executions get their context cancelled and
// the runner writes the terminal state; queued rows flip directly.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*task.Task, error) {
	d.mu.Lock()
	fl, running := d.inFlight[id]
	if running {
		fl.reason = "cancelled by user"
		fl.cancel()
	}
	d.mu.Unlock()
	if running {
		return d.store.Get(ctx, id)
	}

	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.ErrNotFound
	}
	if t.Status.Terminal() {
		return t, nil
	}
	st := task.StatusCancelled
	reason := "cancelled by user"
	updated, err := d.store.Update(ctx, id, task.Patch{Status: &st, CurrentStep: &reason})
	if err != nil {
		return nil, err
	}
	observability.TaskOutcomes.WithLabelValues(string(t.Type), "cancelled").Inc()
	d.bus.PublishUpdate(updated)
	return updated, nil
}

// Retry re-queues a failed task, resetting its attempt state and bumping the
// retry counter.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*task.Task, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.ErrNotFound
	}
	if t.Status != task.StatusFailed {
		return nil, task.ErrNotRetryable
	}
	if t.RetryCount >= t.MaxRetries {
		return nil, task.ErrRetriesExhausted
	}
	st := task.StatusRetry
	count := t.RetryCount + 1
	updated, err := d.store.Update(ctx, id, task.Patch{
		Status:     &st,
		RetryCount: &count,
		RetryReset: true,
	})
	if err != nil {
		return nil, err
	}
	observability.TaskRetries.Inc()
	d.bus.PublishUpdate(updated)
	logDecision("retry", id, string(t.Type), "requeued", fmt.Sprintf("attempt %d of %d", count, t.MaxRetries))
	return updated, nil
}

// reapStale fails rows stuck past the guard age. The guard is generous so a
// slow-but-alive execution is never reaped before its own timeout fires.
func (d *Dispatcher) reapStale(ctx context.Context) {
	guard := 2 * time.Duration(d.cfg.TimeoutSeconds) * time.Second
	if guard < time.Hour {
		guard = time.Hour
	}
	reaped, err := d.store.MarkStale(ctx, "", guard, "reaped: stuck past stale guard")
	if err != nil {
		log.Printf("[DISPATCH] stale sweep failed: %v", err)
		return
	}
	for _, t := range reaped {
		observability.StaleReaped.Inc()
		observability.TaskOutcomes.WithLabelValues(string(t.Type), "failed").Inc()
		d.bus.PublishUpdate(t)
		logDecision("reaper", t.ID, string(t.Type), "failed", "stuck past stale guard")
	}
}

func patchProgress(pct int, step string) task.Patch {
	return task.Patch{Progress: &pct, CurrentStep: &step}
}

// logDecision writes the one-line JSON decision record shared by the worker
// paths.
func logDecision(component, taskID, typ, outcome, detail string) {
	log.Printf(`{"component":%q,"task_id":%q,"type":%q,"outcome":%q,"detail":%q}`,
		component, taskID, typ, outcome, detail)
}
