package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Pipeline captures configuration for the verification pipeline daemon.
// Values come from flat environment variables so main stays lean.
type Pipeline struct {
	Addr string

	RedisURL     string
	KafkaBrokers []string

	QueueName        string
	VisibilityWindow time.Duration
	DLQRetention     time.Duration

	WorkerConcurrency int64
	VerifyTimeout     time.Duration

	RendererURL   string
	RenderTimeout time.Duration

	VerifierURL string
	AppID       string
	ActionID    string
	Signal      string

	EventBus    string
	EventSource string

	SecretID     string
	GrantAPIURL  string
	GrantRoles   []string
	ConsumerName string
}

// Renderer captures configuration for the artifact renderer service.
type Renderer struct {
	Addr              string
	RenderConcurrency int64
	CacheMaxAge       time.Duration
}

// FromEnv builds a Pipeline config from environment variables.
func FromEnv() Pipeline {
	return Pipeline{
		Addr:              envString("ATTEST_ADDR", ":8080"),
		RedisURL:          os.Getenv("ATTEST_REDIS_URL"),
		KafkaBrokers:      envList("ATTEST_KAFKA_BROKERS"),
		QueueName:         envString("ATTEST_QUEUE", "verification-requests"),
		VisibilityWindow:  envDuration("ATTEST_VISIBILITY_WINDOW", 15*time.Minute),
		DLQRetention:      envDuration("ATTEST_DLQ_RETENTION", 14*24*time.Hour),
		WorkerConcurrency: envInt64("ATTEST_WORKER_CONCURRENCY", 100),
		VerifyTimeout:     envDuration("ATTEST_VERIFY_TIMEOUT", 10*time.Minute),
		RendererURL:       envString("ATTEST_RENDERER_URL", "http://localhost:8081"),
		RenderTimeout:     envDuration("ATTEST_RENDER_TIMEOUT", 5*time.Second),
		VerifierURL:       os.Getenv("ATTEST_VERIFIER_URL"),
		AppID:             os.Getenv("ATTEST_APP_ID"),
		ActionID:          envString("ATTEST_ACTION_ID", "join"),
		Signal:            os.Getenv("ATTEST_SIGNAL"),
		EventBus:          envString("ATTEST_EVENT_BUS", "verification-events"),
		EventSource:       envString("ATTEST_EVENT_SOURCE", "attest.verify"),
		SecretID:          envString("ATTEST_SECRET_ID", "ATTEST_API_CREDENTIAL"),
		GrantAPIURL:       os.Getenv("ATTEST_GRANT_API_URL"),
		GrantRoles:        envList("ATTEST_GRANT_ROLES"),
		ConsumerName:      envString("ATTEST_CONSUMER_NAME", "grant-consumer"),
	}
}

// RendererFromEnv builds a Renderer config from environment variables.
func RendererFromEnv() Renderer {
	return Renderer{
		Addr:              envString("ATTEST_RENDERER_ADDR", ":8081"),
		RenderConcurrency: envInt64("ATTEST_RENDER_CONCURRENCY", 25),
		CacheMaxAge:       envDuration("ATTEST_RENDER_CACHE_MAX_AGE", 24*time.Hour),
	}
}

// Validate rejects configurations that would violate the delivery contract.
// The visibility window must cover the verify timeout so a slow-but-succeeding
// attempt is not dead-lettered while still in flight.
func (p Pipeline) Validate() error {
	if p.VisibilityWindow < p.VerifyTimeout {
		return fmt.Errorf("visibility window %s shorter than verify timeout %s", p.VisibilityWindow, p.VerifyTimeout)
	}
	if p.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", p.WorkerConcurrency)
	}
	if p.DLQRetention < 14*24*time.Hour {
		return fmt.Errorf("dead-letter retention %s below the 14 day minimum", p.DLQRetention)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// envList parses a comma-separated value, preserving order and dropping
// empty entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
