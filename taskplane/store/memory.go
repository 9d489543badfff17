package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

// MemoryStore keeps task rows in process memory. It backs tests and the
// no-database dev mode, and implements the same transition rules as the
// Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	backup task.BackupConfig
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*task.Task),
		backup: task.BackupConfig{
			ScheduleType:   task.ScheduleNightly,
			RetentionCount: 7,
		},
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch task.Patch) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	if err := applyPatch(t, patch, time.Now().UTC()); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if !t.Status.Terminal() {
		return task.ErrNotTerminal
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if !matchesFilter(t, filter) {
			continue
		}
		result = append(result, t.Clone())
	}
	sortTasks(result, filter.OrderBy, filter.OrderDesc)

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*task.Task{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) ReadyToRun(ctx context.Context) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	result := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if !t.Status.Dispatchable() {
			continue
		}
		if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
			continue
		}
		result = append(result, t.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority.Rank() != result[j].Priority.Rank() {
			return result[i].Priority.Rank() > result[j].Priority.Rank()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CountSince(ctx context.Context, userID string, typ task.Type, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.tasks {
		if t.CreatedByUserID == userID && t.Type == typ && t.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, userID string, typ task.Type, maxAge time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	count := 0
	for _, t := range s.tasks {
		if t.CreatedByUserID != userID || t.Type != typ {
			continue
		}
		if !t.Status.Dispatchable() && t.Status != task.StatusRunning {
			continue
		}
		if !cutoff.IsZero() && t.CreatedAt.Before(cutoff) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) MarkStale(ctx context.Context, typ task.Type, maxAge time.Duration, reason string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	now := time.Now().UTC()
	var reaped []*task.Task
	for _, t := range s.tasks {
		if typ != "" && t.Type != typ {
			continue
		}
		if !t.Status.Dispatchable() && t.Status != task.StatusRunning {
			continue
		}
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		t.Status = task.StatusFailed
		t.ErrorMessage = reason
		ts := now
		t.CompletedAt = &ts
		reaped = append(reaped, t.Clone())
	}
	return reaped, nil
}

func (s *MemoryStore) GetBackupConfig(ctx context.Context) (*task.BackupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.backup
	return &cfg, nil
}

func (s *MemoryStore) UpdateBackupConfig(ctx context.Context, cfg *task.BackupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backup = *cfg
	return nil
}

func matchesFilter(t *task.Task, f task.Filter) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, t.Type) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, t.Priority) {
		return false
	}
	if f.UserID != "" && t.CreatedByUserID != f.UserID {
		return false
	}
	if f.RelatedEntityType != "" && t.RelatedEntityType != f.RelatedEntityType {
		return false
	}
	if f.RelatedEntityID != "" && t.RelatedEntityID != f.RelatedEntityID {
		return false
	}
	return true
}

func sortTasks(tasks []*task.Task, orderBy string, desc bool) {
	less := func(a, b *task.Task) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch orderBy {
	case "completed_at":
		less = func(a, b *task.Task) bool {
			at, bt := time.Time{}, time.Time{}
			if a.CompletedAt != nil {
				at = *a.CompletedAt
			}
			if b.CompletedAt != nil {
				bt = *b.CompletedAt
			}
			return at.Before(bt)
		}
	case "priority":
		less = func(a, b *task.Task) bool { return a.Priority.Rank() < b.Priority.Rank() }
	case "status":
		less = func(a, b *task.Task) bool { return a.Status < b.Status }
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if desc {
			return less(tasks[j], tasks[i])
		}
		return less(tasks[i], tasks[j])
	})
}

func containsStatus(set []task.Status, s task.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(set []task.Type, t task.Type) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func containsPriority(set []task.Priority, p task.Priority) bool {
	for _, v := range set {
		if v == p {
			return true
		}
	}
	return false
}
