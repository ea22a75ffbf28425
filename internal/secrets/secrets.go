package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	"attest/pkg/platform/sentinel"
)

// Source is read-only access to named credential material. Implementations
// must never log or persist the returned value.
type Source interface {
	Fetch(ctx context.Context, id string) (string, error)
}

// EnvSource resolves secret identifiers as environment variable names. It is
// the default source for local and container deployments.
type EnvSource struct{}

func (EnvSource) Fetch(_ context.Context, id string) (string, error) {
	v, ok := os.LookupEnv(id)
	if !ok || v == "" {
		return "", fmt.Errorf("secret %q: %w", id, sentinel.ErrNotFound)
	}
	return v, nil
}

// Static serves fixed values. Test use only.
type Static map[string]string

func (s Static) Fetch(_ context.Context, id string) (string, error) {
	v, ok := s[id]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", id, sentinel.ErrNotFound)
	}
	return v, nil
}

// Cached wraps a Source with a lazy single-fetch cache. Each component holds
// its own Cached instance, so the credential is fetched at most once per
// component lifetime and never shared through hidden globals.
type Cached struct {
	source Source

	mu     sync.Mutex
	values map[string]string
}

func NewCached(source Source) *Cached {
	return &Cached{source: source, values: make(map[string]string)}
}

func (c *Cached) Fetch(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[id]; ok {
		return v, nil
	}
	v, err := c.source.Fetch(ctx, id)
	if err != nil {
		return "", err
	}
	c.values[id] = v
	return v, nil
}
