package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "transactions.input", cfg.Bus.InputTopic)
	assert.Equal(t, "transactions.decisions", cfg.Bus.OutputTopic)
	assert.Equal(t, 0.70, cfg.Thresholds.BlockThreshold)
	assert.Equal(t, 0.40, cfg.Thresholds.ReviewThreshold)
	assert.Equal(t, 20, cfg.Guards.MaxAIRequestsPerMin)
	assert.Equal(t, 3.0, cfg.Guards.AIRequestDelaySec)
	assert.Equal(t, 24*time.Hour, cfg.Thresholds.UserFlagTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Thresholds.IPFlagTTL)
	assert.Equal(t, time.Hour, cfg.Thresholds.VelocityWindow)
	assert.Equal(t, 10*time.Minute, cfg.Thresholds.OrderSeenTTL)
	assert.Equal(t, 1000, cfg.Worker.QueueCapacity)
	assert.True(t, cfg.Thresholds.UseAgents)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FRAUD_BLOCK_THRESHOLD", "0.85")
	t.Setenv("USE_AGENTS", "false")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("USER_FLAG_TTL", "12h")

	cfg := Load()

	assert.Equal(t, 0.85, cfg.Thresholds.BlockThreshold)
	assert.False(t, cfg.Thresholds.UseAgents)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Bus.Brokers)
	assert.Equal(t, 12*time.Hour, cfg.Thresholds.UserFlagTTL)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("FRAUD_REVIEW_THRESHOLD", "not-a-number")
	t.Setenv("WORKER_QUEUE_CAPACITY", "lots")

	cfg := Load()

	assert.Equal(t, 0.40, cfg.Thresholds.ReviewThreshold)
	assert.Equal(t, 1000, cfg.Worker.QueueCapacity)
}
