package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "verification-requests", cfg.QueueName)
	assert.Equal(t, 15*time.Minute, cfg.VisibilityWindow)
	assert.Equal(t, 14*24*time.Hour, cfg.DLQRetention)
	assert.Equal(t, int64(100), cfg.WorkerConcurrency)
	assert.Equal(t, "attest.verify", cfg.EventSource)
	assert.Equal(t, "verification-events", cfg.EventBus)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ATTEST_WORKER_CONCURRENCY", "25")
	t.Setenv("ATTEST_VISIBILITY_WINDOW", "30m")
	t.Setenv("ATTEST_VERIFY_TIMEOUT", "20m")
	t.Setenv("ATTEST_GRANT_ROLES", "verified, member ,holder")
	t.Setenv("ATTEST_KAFKA_BROKERS", "broker-1:9092,broker-2:9092")

	cfg := FromEnv()

	assert.Equal(t, int64(25), cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Minute, cfg.VisibilityWindow)
	assert.Equal(t, 20*time.Minute, cfg.VerifyTimeout)
	// Role order is preserved; entries are trimmed.
	assert.Equal(t, []string{"verified", "member", "holder"}, cfg.GrantRoles)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("ATTEST_WORKER_CONCURRENCY", "lots")
	t.Setenv("ATTEST_VISIBILITY_WINDOW", "soon")

	cfg := FromEnv()
	assert.Equal(t, int64(100), cfg.WorkerConcurrency)
	assert.Equal(t, 15*time.Minute, cfg.VisibilityWindow)
}

func TestValidateWindowCoversTimeout(t *testing.T) {
	cfg := FromEnv()
	cfg.VisibilityWindow = 5 * time.Minute
	cfg.VerifyTimeout = 10 * time.Minute

	// A window shorter than the verify timeout would dead-letter attempts
	// still in flight.
	assert.Error(t, cfg.Validate())
}

func TestValidateConcurrency(t *testing.T) {
	cfg := FromEnv()
	cfg.WorkerConcurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRetentionFloor(t *testing.T) {
	cfg := FromEnv()
	cfg.DLQRetention = 24 * time.Hour
	assert.Error(t, cfg.Validate())
}
