package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"attest/pkg/platform/sentinel"
)

// Redis is the production Queue and DeadLetters implementation. Pending
// requests live in a list, in-flight deliveries in a second list plus a
// sorted set scored by their visibility deadline, and dead letters in a
// sorted set scored by dead-letter time so retention can be enforced with a
// range trim.
//
// Receive moves the ID between the two lists with a single LMOVE, so a
// request is durably in flight before anything else in the receive path can
// fail. Deliveries whose deadline was never recorded (a crash right after
// the move) are re-armed by the sweeper, which keeps every accepted request
// on the path to either an ack or the dead-letter queue.
//
// The delivery token is the request ID: with at most one attempt per request
// the two are interchangeable.
type Redis struct {
	client    *redis.Client
	name      string
	window    time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// NewRedis constructs a Redis-backed queue. The name namespaces all keys so
// several queues can share one Redis instance.
func NewRedis(client *redis.Client, name string, window, retention time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		client:    client,
		name:      name,
		window:    window,
		retention: retention,
		logger:    logger,
	}
}

func (q *Redis) pendingKey() string   { return "queue:" + q.name + ":pending" }
func (q *Redis) messagesKey() string  { return "queue:" + q.name + ":messages" }
func (q *Redis) inflightKey() string  { return "queue:" + q.name + ":inflight" }
func (q *Redis) deadlinesKey() string { return "queue:" + q.name + ":deadlines" }
func (q *Redis) deadKey() string      { return "queue:" + q.name + ":dead" }
func (q *Redis) deadMsgKey() string   { return "queue:" + q.name + ":dead:messages" }

func (q *Redis) Enqueue(ctx context.Context, req Request) (string, error) {
	req.Normalize()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.messagesKey(), req.ID, payload)
	pipe.LPush(ctx, q.pendingKey(), req.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.ID, errors.Join(sentinel.ErrUnavailable, err))
	}
	enqueuedTotal.Inc()
	return req.ID, nil
}

func (q *Redis) Receive(ctx context.Context) (*Delivery, error) {
	// The single LMOVE is the commit point: after it the request is in the
	// inflight list and every later failure in this method still ends in an
	// ack or a sweep to the dead-letter queue.
	id, err := q.client.LMove(ctx, q.pendingKey(), q.inflightKey(), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	deadline := time.Now().Add(q.window)
	if err := q.client.ZAdd(ctx, q.deadlinesKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		// Already in flight; the sweeper arms a deadline for it.
		return nil, fmt.Errorf("receive %s: arm deadline: %w", id, err)
	}

	payload, err := q.client.HGet(ctx, q.messagesKey(), id).Result()
	if err != nil {
		return nil, fmt.Errorf("receive %s: payload: %w", id, err)
	}
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("receive %s: decode: %w", id, err)
	}

	deliveredTotal.Inc()
	return &Delivery{Request: req, Token: id, Deadline: deadline}, nil
}

func (q *Redis) Ack(ctx context.Context, token string) error {
	pipe := q.client.TxPipeline()
	removed := pipe.LRem(ctx, q.inflightKey(), 1, token)
	pipe.ZRem(ctx, q.deadlinesKey(), token)
	pipe.HDel(ctx, q.messagesKey(), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", token, err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("ack token %q: %w", token, sentinel.ErrNotFound)
	}
	ackedTotal.Inc()
	return nil
}

func (q *Redis) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := q.client.HMGet(ctx, q.deadMsgKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			q.logger.Warn("skipping undecodable dead letter", "queue", q.name, "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *Redis) Replay(ctx context.Context, id string) error {
	raw, err := q.client.HGet(ctx, q.deadMsgKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("dead letter %q: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}
	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return fmt.Errorf("replay %s: decode: %w", id, err)
	}

	payload, err := json.Marshal(dl.Request)
	if err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.deadKey(), id)
	pipe.HDel(ctx, q.deadMsgKey(), id)
	pipe.HSet(ctx, q.messagesKey(), id, payload)
	pipe.LPush(ctx, q.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}
	return nil
}

// Sweep reconciles in-flight deliveries that never got a deadline,
// dead-letters deliveries whose visibility window expired, and trims dead
// letters past retention. Run it periodically via RunSweeper.
func (q *Redis) Sweep(ctx context.Context) error {
	now := time.Now()

	// A delivery in the inflight list with no deadline entry means Receive
	// died between the move and the ZAdd. Arm a fresh window so it expires
	// into the dead-letter queue instead of sitting in limbo.
	inflight, err := q.client.LRange(ctx, q.inflightKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("sweep inflight: %w", err)
	}
	for _, id := range inflight {
		if err := q.client.ZScore(ctx, q.deadlinesKey(), id).Err(); err == nil {
			continue
		} else if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("sweep deadline %s: %w", id, err)
		}
		if err := q.client.ZAdd(ctx, q.deadlinesKey(), redis.Z{
			Score:  float64(now.Add(q.window).UnixMilli()),
			Member: id,
		}).Err(); err != nil {
			return fmt.Errorf("sweep re-arm %s: %w", id, err)
		}
		q.logger.Warn("re-armed delivery without deadline", "queue", q.name, "id", id)
	}

	expired, err := q.client.ZRangeByScore(ctx, q.deadlinesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	for _, id := range expired {
		req := Request{ID: id}
		payload, err := q.client.HGet(ctx, q.messagesKey(), id).Result()
		if err != nil {
			q.logger.Warn("expired delivery without payload", "queue", q.name, "id", id, "error", err)
		} else if err := json.Unmarshal([]byte(payload), &req); err != nil {
			// Dead-letter the bare ID so the record stays inspectable.
			q.logger.Warn("expired delivery undecodable", "queue", q.name, "id", id, "error", err)
			req = Request{ID: id}
		}

		dl := DeadLetter{Request: req, Reason: WindowExpiredReason, DeadLetteredAt: now}
		encoded, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", id, err)
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.deadlinesKey(), id)
		pipe.LRem(ctx, q.inflightKey(), 1, id)
		pipe.HDel(ctx, q.messagesKey(), id)
		pipe.ZAdd(ctx, q.deadKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		pipe.HSet(ctx, q.deadMsgKey(), id, encoded)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("sweep %s: %w", id, err)
		}
		deadLetteredTotal.Inc()
		q.logger.Info("request dead-lettered",
			"queue", q.name,
			"id", id,
			"subject", req.Subject,
		)
	}

	cutoff := now.Add(-q.retention)
	stale, err := q.client.ZRangeByScore(ctx, q.deadKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("sweep retention: %w", err)
	}
	if len(stale) > 0 {
		pipe := q.client.TxPipeline()
		pipe.ZRemRangeByScore(ctx, q.deadKey(), "-inf", fmt.Sprintf("%d", cutoff.UnixMilli()))
		pipe.HDel(ctx, q.deadMsgKey(), stale...)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("sweep retention: %w", err)
		}
	}
	return nil
}

// RunSweeper runs Sweep on the given interval until ctx is canceled.
func (q *Redis) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.Sweep(ctx); err != nil {
				q.logger.Error("queue sweep failed", "queue", q.name, "error", err)
			}
		}
	}
}
