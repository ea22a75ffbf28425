package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"attest/internal/queue"
)

// Handler processes exactly one verification request. A nil return means the
// attempt succeeded and the delivery will be acknowledged; any error leaves
// the delivery unacked so it ages out to the dead-letter queue. Handlers must
// not retry internally: the single non-acknowledgment is the sole recovery
// path.
type Handler interface {
	Process(ctx context.Context, req queue.Request) error
}

// Runner drives the consume loop: one delivery per invocation, at most
// `concurrency` invocations in flight regardless of queue depth.
type Runner struct {
	queue   queue.Queue
	handler Handler
	logger  *slog.Logger

	concurrency int64
	sem         *semaphore.Weighted
	timeout     time.Duration
	idleDelay   time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithIdleDelay sets the pause between polls of an empty queue.
func WithIdleDelay(d time.Duration) RunnerOption {
	return func(r *Runner) { r.idleDelay = d }
}

// NewRunner constructs a Runner with the given concurrency ceiling and
// per-invocation timeout.
func NewRunner(q queue.Queue, handler Handler, concurrency int64, timeout time.Duration, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		queue:       q,
		handler:     handler,
		logger:      logger,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(concurrency),
		timeout:     timeout,
		idleDelay:   250 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run consumes until ctx is canceled, then drains in-flight invocations
// before returning.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}

		delivery, err := r.queue.Receive(ctx)
		if err != nil {
			r.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("queue receive failed", "error", err)
			r.sleep(ctx, r.idleDelay)
			continue
		}
		if delivery == nil {
			r.sem.Release(1)
			r.sleep(ctx, r.idleDelay)
			continue
		}

		go r.dispatch(ctx, *delivery)
	}

	// Drain: wait for every slot to be released.
	drainCtx := context.Background()
	if err := r.sem.Acquire(drainCtx, r.concurrency); err != nil {
		return err
	}
	r.sem.Release(r.concurrency)
	return ctx.Err()
}

func (r *Runner) dispatch(ctx context.Context, delivery queue.Delivery) {
	defer r.sem.Release(1)

	// The invocation outlives a shutdown signal so a slow-but-succeeding
	// attempt can still ack; the hosting context only bounds new receives.
	invCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	req := delivery.Request
	if err := r.handler.Process(invCtx, req); err != nil {
		// No ack: the delivery ages to the dead-letter queue after the
		// visibility window. This is the single-attempt policy, not an
		// oversight.
		r.logger.Warn("verification attempt failed",
			"id", req.ID,
			"subject", req.Subject,
			"error", err,
		)
		return
	}

	if err := r.queue.Ack(invCtx, delivery.Token); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("ack timed out", "id", req.ID)
			return
		}
		r.logger.Error("ack failed after successful attempt", "id", req.ID, "error", err)
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
