package queue

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queues are interface-driven to keep the pipeline testable and to allow
// swapping the in-memory and Redis-backed implementations without rewiring
// consumer code.
//
// Delivery policy: at most one attempt per request. A received delivery is
// invisible for the configured window; if it is not acked before the window
// elapses it moves to the dead-letter queue and is never redelivered to
// ingress.
type Queue interface {
	// Enqueue durably stores the request and returns its assigned ID.
	Enqueue(ctx context.Context, req Request) (string, error)
	// Receive returns the next delivery, or nil when the queue is empty.
	Receive(ctx context.Context) (*Delivery, error)
	// Ack consumes the delivery identified by token. Acking after the
	// visibility window has expired returns sentinel.ErrNotFound: the
	// attempt was already spent and the request dead-lettered.
	Ack(ctx context.Context, token string) error
}

// DeadLetters exposes the parked requests for inspection and manual replay.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	// Replay moves a dead letter back to ingress, granting the request a
	// fresh single attempt.
	Replay(ctx context.Context, id string) error
}

var (
	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attest_queue_enqueued_total",
		Help: "Requests accepted onto the ingress queue",
	})
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attest_queue_delivered_total",
		Help: "Delivery attempts handed to a consumer",
	})
	ackedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attest_queue_acked_total",
		Help: "Deliveries acknowledged before the visibility window elapsed",
	})
	deadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attest_queue_dead_lettered_total",
		Help: "Requests parked on the dead-letter queue",
	})
)
