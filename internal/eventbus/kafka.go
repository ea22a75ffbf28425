package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"attest/pkg/platform/sentinel"
)

const (
	headerSource     = "source"
	headerDetailType = "detail-type"
)

// Kafka publishes envelopes to a single bus topic. Records are keyed by
// subject and carry routing metadata as headers; the detail payload is the
// record value, matching the rule contract of forwarding detail only.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka connects a producer to the bus topic. Publish uses synchronous
// produce with full ISR acks so acceptance is durable before the worker acks
// its queue delivery.
func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka{client: client, topic: topic, logger: logger}, nil
}

// EnsureTopic creates the bus topic if it does not exist yet.
func (k *Kafka) EnsureTopic(ctx context.Context, partitions int32) error {
	adm := kadm.NewClient(k.client)
	resp, err := adm.CreateTopic(ctx, partitions, -1, nil, k.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", k.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", k.topic, resp.Err)
	}
	return nil
}

func (k *Kafka) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(env.Detail.Subject),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: headerSource, Value: []byte(env.Source)},
			{Key: headerDetailType, Value: []byte(env.DetailType)},
		},
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish %s: %w", env.DetailType, errors.Join(sentinel.ErrUnavailable, err))
	}
	publishedTotal.WithLabelValues(env.DetailType).Inc()
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() {
	k.client.Close()
}

// Subscriber consumes the bus topic in its own consumer group and forwards
// matching details to its handler. Each subscriber is an independent failure
// domain: handler errors are logged and counted, never propagated to the
// publisher or to other groups.
type Subscriber struct {
	client     *kgo.Client
	consumer   string
	source     string
	detailType string
	handler    Handler
	logger     *slog.Logger
}

// NewSubscriber joins the consumer group named after the consumer.
func NewSubscriber(brokers []string, topic, consumer, source, detailType string, handler Handler, logger *slog.Logger) (*Subscriber, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(consumer),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer %s: %w", consumer, err)
	}
	return &Subscriber{
		client:     client,
		consumer:   consumer,
		source:     source,
		detailType: detailType,
		handler:    handler,
		logger:     logger,
	}, nil
}

// Run polls until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.client.Close()
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Error("fetch error", "consumer", s.consumer, "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			s.handleRecord(ctx, rec)
		})
	}
}

func (s *Subscriber) handleRecord(ctx context.Context, rec *kgo.Record) {
	if !s.matches(rec) {
		return
	}
	var detail Detail
	if err := json.Unmarshal(rec.Value, &detail); err != nil {
		// Undecodable payloads are skipped; redelivery cannot fix them.
		s.logger.Warn("skipping undecodable event", "consumer", s.consumer, "key", string(rec.Key), "error", err)
		return
	}
	if err := s.handler(ctx, detail); err != nil {
		deliveryFailuresTotal.WithLabelValues(s.consumer).Inc()
		s.logger.Error("event delivery failed",
			"consumer", s.consumer,
			"detail_type", s.detailType,
			"subject", detail.Subject,
			"error", err,
		)
	}
}

// matches applies the exact (source, detail-type) rule from record headers.
func (s *Subscriber) matches(rec *kgo.Record) bool {
	var source, detailType string
	for _, h := range rec.Headers {
		switch h.Key {
		case headerSource:
			source = string(h.Value)
		case headerDetailType:
			detailType = string(h.Value)
		}
	}
	return source == s.source && detailType == s.detailType
}
