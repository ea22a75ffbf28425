package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attest_events_published_total",
		Help: "Events accepted by the bus, labeled by detail type",
	}, []string{"detail_type"})
	deliveryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attest_event_delivery_failures_total",
		Help: "Subscriber handler failures, labeled by consumer",
	}, []string{"consumer"})
)

type ruleKey struct {
	source     string
	detailType string
}

type subscription struct {
	consumer string
	handler  Handler
}

// Memory is an in-process bus with exact-match routing on
// (source, detail-type). Delivery to each subscriber is independent: one
// handler's failure is recorded but neither stops other subscribers nor fails
// the publish. The publisher never holds subscriber references; registration
// goes through Subscribe.
type Memory struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[ruleKey][]subscription
}

func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		logger: logger,
		rules:  make(map[ruleKey][]subscription),
	}
}

// Subscribe registers a handler for exact matches on (source, detailType).
func (m *Memory) Subscribe(source, detailType, consumer string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey{source: source, detailType: detailType}
	m.rules[key] = append(m.rules[key], subscription{consumer: consumer, handler: handler})
}

// Publish accepts the envelope and routes its detail to every matching
// subscription. An event with no matching rule is still accepted.
func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	m.mu.RLock()
	subs := m.rules[ruleKey{source: env.Source, detailType: env.DetailType}]
	m.mu.RUnlock()

	publishedTotal.WithLabelValues(env.DetailType).Inc()

	for _, sub := range subs {
		if err := sub.handler(ctx, env.Detail); err != nil {
			deliveryFailuresTotal.WithLabelValues(sub.consumer).Inc()
			m.logger.Error("event delivery failed",
				"consumer", sub.consumer,
				"detail_type", env.DetailType,
				"subject", env.Detail.Subject,
				"error", err,
			)
		}
	}
	return nil
}
