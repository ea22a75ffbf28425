package grant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"attest/internal/eventbus"
	"attest/internal/secrets"
)

var (
	grantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attest_grants_total",
		Help: "Grant handler outcomes",
	}, []string{"result"})
)

// Consumer grants the configured role set to subjects from
// verification.succeeded events. It is a separate failure domain from the
// verification worker: it retries with capped backoff on its own, and an
// exhausted grant never re-triggers verification.
type Consumer struct {
	api     RoleAPI
	store   Store
	secrets *secrets.Cached

	secretID   string
	roles      []string
	maxElapsed time.Duration
	logger     *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithMaxElapsed caps the total retry time for one event.
func WithMaxElapsed(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.maxElapsed = d }
}

func NewConsumer(api RoleAPI, store Store, source secrets.Source, secretID string, roles []string, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		api:        api,
		store:      store,
		secrets:    secrets.NewCached(source),
		secretID:   secretID,
		roles:      append([]string(nil), roles...),
		maxElapsed: 2 * time.Minute,
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// HandleVerified is the bus subscription entry point.
func (c *Consumer) HandleVerified(ctx context.Context, detail eventbus.Detail) error {
	if detail.Subject == "" {
		grantsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("verified event without subject")
	}

	done, err := c.store.Granted(ctx, detail.Subject)
	if err != nil {
		grantsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("grant dedupe check: %w", err)
	}
	if done {
		// Redelivered event; the role set is already final.
		grantsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	credential, err := c.secrets.Fetch(ctx, c.secretID)
	if err != nil {
		grantsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch credential: %w", err)
	}

	assign := func() error {
		return c.api.Assign(ctx, credential, detail.Subject, c.roles)
	}
	policy := backoff.WithContext(
		backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(c.maxElapsed)),
		ctx,
	)
	if err := backoff.Retry(assign, policy); err != nil {
		grantsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("assign roles to %s: %w", detail.Subject, err)
	}

	if err := c.store.Record(ctx, detail.Subject, c.roles); err != nil {
		// The grant itself succeeded; a lost record only costs one
		// redundant (idempotent) API call on redelivery.
		c.logger.Warn("grant record not persisted", "subject", detail.Subject, "error", err)
	}

	grantsTotal.WithLabelValues("granted").Inc()
	c.logger.Info("roles granted", "subject", detail.Subject, "context", detail.Context, "roles", len(c.roles))
	return nil
}
