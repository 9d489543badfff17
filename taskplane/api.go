package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/partshive/partshive/taskplane/idempotency"
	"github.com/partshive/partshive/taskplane/middleware"
	"github.com/partshive/partshive/taskplane/observability"
	"github.com/partshive/partshive/taskplane/service"
	"github.com/partshive/partshive/taskplane/task"
)

// API is the HTTP surface over the task service.
type API struct {
	service *service.TaskService
	hub     *StreamHub

	idempotency *idempotency.Store

	// Storm protection on the submission path.
	submitLimiter *rate.Limiter
}

func NewAPI(svc *service.TaskService, hub *StreamHub, idemStore *idempotency.Store) *API {
	return &API{
		service:     svc,
		hub:         hub,
		idempotency: idemStore,
		// Allow 50 submissions/sec, burst 100
		submitLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		if !a.idempotency.TryLock(r.Context(), key) {
			// A duplicate is in flight right now; tell the client to retry
			// rather than double-executing.
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Duplicate request in flight", http.StatusConflict)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode >= 500 {
			a.idempotency.Unlock(r.Context(), key)
			return
		}
		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// writeRateLimitError writes a 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var verr *task.ValidationError
	var perr *task.PolicyDeniedError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Error(), "field": verr.Field,
		})
	case errors.As(err, &perr):
		status := http.StatusForbidden
		if perr.Check == "rate_limit" || perr.Check == "concurrency" {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]string{
			"error": perr.Reason, "check": perr.Check,
		})
	case errors.Is(err, task.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, task.ErrNotTerminal),
		errors.Is(err, task.ErrNotRetryable),
		errors.Is(err, task.ErrRetriesExhausted),
		errors.Is(err, task.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Printf("[API] internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// handleTasks serves POST /tasks (submit) and GET /tasks (list).
func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleListTasks(w, r)
	case http.MethodPost:
		if !a.submitLimiter.Allow() {
			a.writeRateLimitError(w, "submit")
			return
		}
		a.withIdempotency(a.handleSubmitTask)(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	created, err := a.service.Submit(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := a.service.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func parseFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	var f task.Filter
	for _, s := range splitParam(q.Get("status")) {
		f.Statuses = append(f.Statuses, task.Status(s))
	}
	for _, s := range splitParam(q.Get("type")) {
		typ := task.Type(s)
		if !typ.Valid() {
			return f, &task.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", s)}
		}
		f.Types = append(f.Types, typ)
	}
	for _, s := range splitParam(q.Get("priority")) {
		f.Priorities = append(f.Priorities, task.Priority(s))
	}
	f.UserID = q.Get("user_id")
	f.RelatedEntityType = q.Get("related_entity_type")
	f.RelatedEntityID = q.Get("related_entity_id")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &task.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &task.ValidationError{Field: "offset", Reason: "must be a non-negative integer"}
		}
		f.Offset = n
	}
	f.OrderBy = q.Get("order_by")
	f.OrderDesc = q.Get("order") == "desc"
	return f, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// handleTaskByID serves /tasks/{id} and the /cancel and /retry intents.
func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if rest == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	id := rest
	intent := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		id, intent = rest[:i], rest[i+1:]
	}

	switch {
	case intent == "cancel" && r.Method == http.MethodPost:
		t, err := a.service.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case intent == "retry" && r.Method == http.MethodPost:
		t, err := a.service.Retry(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case intent == "" && r.Method == http.MethodGet:
		t, err := a.service.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case intent == "" && r.Method == http.MethodPatch:
		var patch task.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		t, err := a.service.Update(r.Context(), id, patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case intent == "" && r.Method == http.MethodDelete:
		if err := a.service.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleListHandlers serves GET /handlers: the registered handler catalog.
func (a *API) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"handlers": a.service.Handlers()})
}

// requireAdmin gates worker and backup administration.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil || !actor.IsAdmin() {
		http.Error(w, "Forbidden: admin capability required", http.StatusForbidden)
		return false
	}
	return true
}

// handleWorker serves /worker/status, /worker/start, /worker/stop.
func (a *API) handleWorker(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/worker/")
	switch {
	case action == "status" && r.Method == http.MethodGet:
		status := a.service.WorkerStatus()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"worker":         status,
			"stream_clients": a.hub.ClientCount(),
		})
	case action == "start" && r.Method == http.MethodPost:
		if !a.requireAdmin(w, r) {
			return
		}
		a.service.StartWorker()
		writeJSON(w, http.StatusOK, a.service.WorkerStatus())
	case action == "stop" && r.Method == http.MethodPost:
		if !a.requireAdmin(w, r) {
			return
		}
		a.service.StopWorker()
		writeJSON(w, http.StatusOK, a.service.WorkerStatus())
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleBackupConfig serves GET and PUT /backup/config.
func (a *API) handleBackupConfig(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := a.service.BackupConfig(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg task.BackupConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		updated, err := a.service.UpdateBackupConfig(r.Context(), &cfg)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
