package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "en", cfg.DefaultLanguage)
	assert.Equal(t, 5*time.Second, cfg.DispatchTxTimeout)
	assert.Equal(t, 16, cfg.RealtimeBuffer)
	assert.Equal(t, 5, cfg.EmailMaxAttempts)
	assert.Equal(t, cfg.AWSRegion, cfg.SQSRegion)
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_TX_TIMEOUT_MS", "1500")
	t.Setenv("REALTIME_HEARTBEAT_SEC", "10")
	t.Setenv("DEFAULT_LANGUAGE", "fr")
	t.Setenv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:123456789012:beacon")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 1500*time.Millisecond, cfg.DispatchTxTimeout)
	assert.Equal(t, 10*time.Second, cfg.RealtimeHeartbeat)
	assert.Equal(t, "fr", cfg.DefaultLanguage)
	assert.Equal(t, "arn:aws:sns:us-east-1:123456789012:beacon", cfg.SNSTopicARN)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric port", "PORT", "http"},
		{"zero tx timeout", "DISPATCH_TX_TIMEOUT_MS", "0"},
		{"negative buffer", "REALTIME_BUFFER", "-1"},
		{"non-numeric attempts", "EMAIL_MAX_ATTEMPTS", "many"},
		{"zero rate limit", "RATE_LIMIT_PER_MIN", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}
