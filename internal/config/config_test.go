package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ragline")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 100*time.Millisecond, cfg.OutboxPollInterval)
	require.Equal(t, 8, cfg.OutboxMaxAttempts)
	require.Equal(t, 1*time.Second, cfg.RetryBase)
	require.Equal(t, 60*time.Second, cfg.RetryCap)
	require.Equal(t, OverflowDisconnect, cfg.PushOverflowPolicy)
	require.Equal(t, AckBestEffort, cfg.AckPolicy)
	require.Equal(t, 24*time.Hour, cfg.StreamRetention)
	require.Zero(t, cfg.HTTPWriteTimeout)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "test-secret")
	_, err := Load()
	require.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ragline")
	t.Setenv("JWT_SECRET", "")
	_, err = Load()
	require.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoad_InvalidOverflowPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("PUSH_OVERFLOW_POLICY", "random")

	_, err := Load()
	require.ErrorContains(t, err, "PUSH_OVERFLOW_POLICY")
}

func TestLoad_BlockRequiresAllConnected(t *testing.T) {
	setRequired(t)
	t.Setenv("PUSH_OVERFLOW_POLICY", OverflowBlock)
	t.Setenv("DISPATCHER_ACK_POLICY", AckBestEffort)

	_, err := Load()
	require.ErrorContains(t, err, "all_connected")

	t.Setenv("DISPATCHER_ACK_POLICY", AckAllConnected)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, OverflowBlock, cfg.PushOverflowPolicy)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("DLQ_INGRESS_THRESHOLD", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 25, cfg.OutboxBatchSize)
	require.Equal(t, 250*time.Millisecond, cfg.OutboxPollInterval)
	require.Equal(t, 2.5, cfg.DLQIngressThreshold)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("OUTBOX_BATCH_SIZE", "lots")
	t.Setenv("OUTBOX_POLL_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 100, cfg.OutboxBatchSize)
	require.Equal(t, 100*time.Millisecond, cfg.OutboxPollInterval)
}

func TestHeartbeatFor(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, cfg.HeartbeatOrders, cfg.HeartbeatFor("orders"))
	require.Equal(t, cfg.HeartbeatNotifications, cfg.HeartbeatFor("notifications"))
	require.Equal(t, cfg.HeartbeatGeneral, cfg.HeartbeatFor("general"))
	require.Equal(t, cfg.HeartbeatGeneral, cfg.HeartbeatFor("unknown"))
}
