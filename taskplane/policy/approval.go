package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partshive/partshive/taskplane/task"
)

const approvalTTL = 24 * time.Hour

// RedisApprovalStore keeps approval records in Redis so they survive
// restarts and are visible to every instance.
type RedisApprovalStore struct {
	client *redis.Client
}

// NewRedisApprovalStore wraps an existing Redis client.
func NewRedisApprovalStore(client *redis.Client) *RedisApprovalStore {
	return &RedisApprovalStore{client: client}
}

func approvalKey(userID string, typ task.Type) string {
	return "approval:" + string(typ) + ":" + userID
}

func (s *RedisApprovalStore) IsApproved(ctx context.Context, userID string, typ task.Type) (bool, error) {
	_, err := s.client.Get(ctx, approvalKey(userID, typ)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Grant records an approval for userID to run typ once within the TTL.
func (s *RedisApprovalStore) Grant(ctx context.Context, userID string, typ task.Type) error {
	return s.client.Set(ctx, approvalKey(userID, typ), time.Now().UTC().Format(time.RFC3339), approvalTTL).Err()
}

// Revoke removes a granted approval.
func (s *RedisApprovalStore) Revoke(ctx context.Context, userID string, typ task.Type) error {
	return s.client.Del(ctx, approvalKey(userID, typ)).Err()
}

// MemoryApprovalStore is the single-node fallback when Redis is not
// configured.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	approved map[string]time.Time
}

func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{approved: make(map[string]time.Time)}
}

func (s *MemoryApprovalStore) IsApproved(ctx context.Context, userID string, typ task.Type) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	granted, ok := s.approved[approvalKey(userID, typ)]
	if !ok {
		return false, nil
	}
	return time.Since(granted) < approvalTTL, nil
}

func (s *MemoryApprovalStore) Grant(ctx context.Context, userID string, typ task.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[approvalKey(userID, typ)] = time.Now()
	return nil
}

func (s *MemoryApprovalStore) Revoke(ctx context.Context, userID string, typ task.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approved, approvalKey(userID, typ))
	return nil
}
