package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"attest/pkg/platform/sentinel"
)

// Memory is an in-memory Queue and DeadLetters implementation. It mirrors the
// Redis-backed semantics closely enough for service tests: single-attempt
// delivery, visibility window expiry, dead-letter retention.
type Memory struct {
	window    time.Duration
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	pending  []Request
	inflight map[string]Delivery
	dead     []DeadLetter
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithRetention overrides the dead-letter retention window.
func WithRetention(retention time.Duration) MemoryOption {
	return func(m *Memory) { m.retention = retention }
}

// NewMemory constructs an in-memory queue with the given visibility window.
func NewMemory(window time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		window:    window,
		retention: 14 * 24 * time.Hour,
		now:       time.Now,
		inflight:  make(map[string]Delivery),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) Enqueue(_ context.Context, req Request) (string, error) {
	req.Normalize()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, req)
	enqueuedTotal.Inc()
	return req.ID, nil
}

func (m *Memory) Receive(_ context.Context) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())

	if len(m.pending) == 0 {
		return nil, nil
	}
	req := m.pending[0]
	m.pending = m.pending[1:]

	d := Delivery{
		Request:  req,
		Token:    uuid.NewString(),
		Deadline: m.now().Add(m.window),
	}
	m.inflight[d.Token] = d
	deliveredTotal.Inc()
	return &d, nil
}

func (m *Memory) Ack(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())

	if _, ok := m.inflight[token]; !ok {
		return fmt.Errorf("ack token %q: %w", token, sentinel.ErrNotFound)
	}
	delete(m.inflight, token)
	ackedTotal.Inc()
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())

	if limit <= 0 || limit > len(m.dead) {
		limit = len(m.dead)
	}
	out := make([]DeadLetter, limit)
	copy(out, m.dead[:limit])
	return out, nil
}

func (m *Memory) Replay(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, dl := range m.dead {
		if dl.Request.ID == id {
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			m.pending = append(m.pending, dl.Request)
			return nil
		}
	}
	return fmt.Errorf("dead letter %q: %w", id, sentinel.ErrNotFound)
}

// Sweep moves expired in-flight deliveries to the dead-letter queue and
// purges dead letters past retention. Receive and Ack sweep implicitly; tests
// call this directly after advancing the clock.
func (m *Memory) Sweep(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())
}

func (m *Memory) sweepLocked(now time.Time) {
	for token, d := range m.inflight {
		if now.After(d.Deadline) {
			delete(m.inflight, token)
			m.dead = append(m.dead, DeadLetter{
				Request:        d.Request,
				Reason:         WindowExpiredReason,
				DeadLetteredAt: now,
			})
			deadLetteredTotal.Inc()
		}
	}

	cutoff := now.Add(-m.retention)
	kept := m.dead[:0]
	for _, dl := range m.dead {
		if dl.DeadLetteredAt.After(cutoff) {
			kept = append(kept, dl)
		}
	}
	m.dead = kept
}
