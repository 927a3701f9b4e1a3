package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/pricing"
)

func TestServerDefaults(t *testing.T) {
	t.Setenv("PROCESS_ID", "")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "trip-events", cfg.KafkaTripTopic)
	assert.Equal(t, "driver-locations", cfg.KafkaLocationTopic)
	assert.Equal(t, 5*time.Minute, cfg.TimeoutSearching)
	assert.Equal(t, 30*time.Minute, cfg.TimeoutArrival)
	assert.Equal(t, time.Duration(0), cfg.TimeoutPickedUp)
	assert.Equal(t, 4*time.Hour, cfg.TimeoutMaxTrip)
	assert.Equal(t, pricing.DefaultSurge(), cfg.Surge)
	assert.NotEmpty(t, cfg.ProcessID)
}

func TestServerOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("SEARCH_RADIUS_KM", "3.5")
	t.Setenv("TIMEOUT_PICKUP_WAIT", "90s")
	t.Setenv("SURGE_THRESHOLDS", "2:1.5")
	t.Setenv("PROCESS_ID", "api-1")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3.5, cfg.SearchRadiusKm)
	assert.Equal(t, 90*time.Second, cfg.TimeoutPickupWait)
	assert.Equal(t, []pricing.SurgeTier{{MinRatio: 2, Multiplier: 1.5}}, cfg.Surge)
	assert.Equal(t, "api-1", cfg.ProcessID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestServerCollectsAllProblems(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MAX_CANDIDATES", "0")
	t.Setenv("SURGE_THRESHOLDS", "1.0")
	t.Setenv("TIMEOUT_MAX_TRIP", "-1h")

	_, err := LoadServerConfig()
	require.Error(t, err)
	for _, want := range []string{"HTTP_READ_TIMEOUT", "MAX_CANDIDATES", "SURGE_THRESHOLDS", "TIMEOUT_MAX_TRIP"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConsumerRequiresBackends(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("REDIS_ADDR", "")
	_, err := LoadConsumerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
	assert.Contains(t, err.Error(), "REDIS_ADDR")

	t.Setenv("KAFKA_BROKERS", "k:9092")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PAYMENT_CURRENCY", "EUR")
	t.Setenv("STRIPE_API_KEY", "")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "eur", cfg.PaymentCurrency)
	assert.Equal(t, ":2112", cfg.MetricsAddr)
	assert.Empty(t, cfg.StripeAPIKey)
}
