package grant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store records completed grants so redelivered events become no-ops.
// Idempotence is keyed by subject: granting the same role set twice must
// leave the same final state as granting it once.
type Store interface {
	Granted(ctx context.Context, subject string) (bool, error)
	Record(ctx context.Context, subject string, roles []string) error
}

// MemoryStore is the in-memory Store used by tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	granted map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{granted: make(map[string][]string)}
}

func (s *MemoryStore) Granted(_ context.Context, subject string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.granted[subject]
	return ok, nil
}

func (s *MemoryStore) Record(_ context.Context, subject string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted[subject] = append([]string(nil), roles...)
	return nil
}

// Roles returns the recorded role set for a subject. Test helper.
func (s *MemoryStore) Roles(subject string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.granted[subject]...)
}

const grantKeyPrefix = "grant:subject:"

// RedisStore shares grant records across consumer instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Granted(ctx context.Context, subject string) (bool, error) {
	n, err := s.client.Exists(ctx, grantKeyPrefix+subject).Result()
	if err != nil {
		return false, fmt.Errorf("grant lookup %s: %w", subject, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Record(ctx context.Context, subject string, roles []string) error {
	payload, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	if err := s.client.Set(ctx, grantKeyPrefix+subject, payload, 0).Err(); err != nil {
		return fmt.Errorf("record grant %s: %w", subject, err)
	}
	return nil
}
