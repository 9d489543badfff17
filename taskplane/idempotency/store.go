// Package idempotency caches responses to retried submissions keyed by the
// client-supplied X-Idempotency-Key header.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resultTTL = 24 * time.Hour
	memoryTTL = 1 * time.Hour
	// lockTTL covers the longest expected submission round trip, doubled.
	lockTTL = 30 * time.Second
)

// Response is the cached HTTP outcome replayed to duplicate requests.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store caches responses in Redis when a client is supplied, else in-process.
type Store struct {
	client *redis.Client
	cache  sync.Map
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// NewStore wraps an optional Redis client. A nil client degrades to an
// ephemeral in-memory cache.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func resultKey(key string) string { return "idempotency:result:" + key }
func lockKey(key string) string   { return "idempotency:lock:" + key }

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.client == nil {
		return s.memGet(key)
	}
	data, err := s.client.Get(ctx, resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false
	}
	if err != nil {
		log.Printf("[IDEMPOTENCY] redis get failed, treating as miss: %v", err)
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

// Set caches the response for key and releases its in-flight lock.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	if s.client == nil {
		s.cache.Store(key, entry{resp: resp, timestamp: time.Now()})
		s.cache.Delete("lock:" + key)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, resultKey(key), data, resultTTL).Err(); err != nil {
		log.Printf("[IDEMPOTENCY] redis set failed: %v", err)
	}
	s.client.Del(ctx, lockKey(key))
}

// TryLock marks key as in flight. Returns false when another request holds
// the lock, meaning the caller should wait and re-read instead of executing.
func (s *Store) TryLock(ctx context.Context, key string) bool {
	if s.client == nil {
		_, loaded := s.cache.LoadOrStore("lock:"+key, entry{timestamp: time.Now()})
		return !loaded
	}
	ok, err := s.client.SetNX(ctx, lockKey(key), "1", lockTTL).Result()
	if err != nil {
		log.Printf("[IDEMPOTENCY] redis lock failed, proceeding without: %v", err)
		return true
	}
	return ok
}

// Unlock releases an in-flight marker without caching a result, for requests
// that errored before producing a replayable response.
func (s *Store) Unlock(ctx context.Context, key string) {
	if s.client == nil {
		s.cache.Delete("lock:" + key)
		return
	}
	s.client.Del(ctx, lockKey(key))
}

func (s *Store) memGet(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > memoryTTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}
