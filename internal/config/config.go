package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Overflow policies for per-connection outbound queues.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
	OverflowBlock      = "block"
)

// Ack policies for the consumer-group dispatcher.
const (
	AckBestEffort   = "best_effort"
	AckAllConnected = "all_connected"
)

type Config struct {
	AppEnv string

	HTTPAddr    string
	DatabaseURL string
	RedisURL    string

	JWTSecret string
	JWTIssuer string

	Producer string

	// Outbox reader
	OutboxPollInterval      time.Duration
	OutboxBatchSize         int
	OutboxVisibilityTimeout time.Duration
	OutboxMaxAttempts       int
	OutboxRetention         time.Duration
	OutboxSweepInterval     time.Duration

	// Retry backoff (full jitter)
	RetryBase time.Duration
	RetryCap  time.Duration

	// Push endpoints
	HeartbeatGeneral       time.Duration
	HeartbeatOrders        time.Duration
	HeartbeatNotifications time.Duration
	PushQueueCapacity      int
	PushOverflowPolicy     string

	// Dispatcher
	AckPolicy             string
	DispatcherIdleTimeout time.Duration
	DispatcherBlock       time.Duration
	DispatcherBatch       int
	StaleClaimInterval    time.Duration
	StaleClaimMinIdle     time.Duration

	// Stream bus
	StreamRetention time.Duration
	BusOpTimeout    time.Duration
	DBQueryTimeout  time.Duration
	HandlerTimeout  time.Duration

	// DLQ monitor
	DLQCheckInterval     time.Duration
	DLQDepthThreshold    int64
	DLQOldestThreshold   time.Duration
	DLQIngressThreshold  float64
	DLQMaxReprocessTries int

	// Circuit breaker
	BreakerFailureRatio float64
	BreakerMinSamples   int
	BreakerCoolDown     time.Duration

	// Rate limiting on handshakes
	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration

	LogLevel  string
	LogFormat string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.RedisURL = getEnv("REDIS_URL", "redis://localhost:6379/0")

	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "ragline")

	cfg.Producer = getEnv("PRODUCER_NAME", "ragline-api")

	cfg.OutboxPollInterval = getDuration("OUTBOX_POLL_INTERVAL", 100*time.Millisecond)
	cfg.OutboxBatchSize = getIntEnv("OUTBOX_BATCH_SIZE", 100)
	cfg.OutboxVisibilityTimeout = getDuration("OUTBOX_VISIBILITY_TIMEOUT", 30*time.Second)
	cfg.OutboxMaxAttempts = getIntEnv("OUTBOX_MAX_ATTEMPTS", 8)
	cfg.OutboxRetention = getDuration("OUTBOX_RETENTION", 24*time.Hour)
	cfg.OutboxSweepInterval = getDuration("OUTBOX_SWEEP_INTERVAL", 10*time.Minute)

	cfg.RetryBase = getDuration("RETRY_BASE", 1*time.Second)
	cfg.RetryCap = getDuration("RETRY_CAP", 60*time.Second)

	cfg.HeartbeatGeneral = getDuration("PUSH_HEARTBEAT_GENERAL", 30*time.Second)
	cfg.HeartbeatOrders = getDuration("PUSH_HEARTBEAT_ORDERS", 45*time.Second)
	cfg.HeartbeatNotifications = getDuration("PUSH_HEARTBEAT_NOTIFICATIONS", 60*time.Second)
	cfg.PushQueueCapacity = getIntEnv("PUSH_QUEUE_CAPACITY", 256)
	cfg.PushOverflowPolicy = getEnv("PUSH_OVERFLOW_POLICY", OverflowDisconnect)

	cfg.AckPolicy = getEnv("DISPATCHER_ACK_POLICY", AckBestEffort)
	cfg.DispatcherIdleTimeout = getDuration("DISPATCHER_IDLE_SHUTDOWN", 5*time.Minute)
	cfg.DispatcherBlock = getDuration("DISPATCHER_BLOCK", 100*time.Millisecond)
	cfg.DispatcherBatch = getIntEnv("DISPATCHER_BATCH", 50)
	cfg.StaleClaimInterval = getDuration("DISPATCHER_STALE_CLAIM_INTERVAL", 30*time.Second)
	cfg.StaleClaimMinIdle = getDuration("DISPATCHER_STALE_CLAIM_MIN_IDLE", 60*time.Second)

	cfg.StreamRetention = getDuration("STREAM_RETENTION", 24*time.Hour)
	cfg.BusOpTimeout = getDuration("BUS_OP_TIMEOUT", 2*time.Second)
	cfg.DBQueryTimeout = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	cfg.HandlerTimeout = getDuration("HANDLER_TIMEOUT", 10*time.Second)

	cfg.DLQCheckInterval = getDuration("DLQ_CHECK_INTERVAL", 30*time.Second)
	cfg.DLQDepthThreshold = int64(getIntEnv("DLQ_DEPTH_THRESHOLD", 100))
	cfg.DLQOldestThreshold = getDuration("DLQ_OLDEST_THRESHOLD", 24*time.Hour)
	cfg.DLQIngressThreshold = getFloatEnv("DLQ_INGRESS_THRESHOLD", 1.0)
	cfg.DLQMaxReprocessTries = getIntEnv("DLQ_MAX_REPROCESS_TRIES", 5)

	cfg.BreakerFailureRatio = getFloatEnv("BREAKER_FAILURE_RATIO", 0.5)
	cfg.BreakerMinSamples = getIntEnv("BREAKER_MIN_SAMPLES", 20)
	cfg.BreakerCoolDown = getDuration("BREAKER_COOL_DOWN", 30*time.Second)

	cfg.RLEnabled = getEnv("RL_ENABLED", "true") == "true"
	cfg.RLLimit = getIntEnv("RL_IP_LIMIT", 100)
	cfg.RLWindow = getDuration("RL_IP_WINDOW", 1*time.Minute)

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	cfg.HTTPReadTimeout = getDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	// Write timeout must stay zero: SSE and WS responses are long-lived.
	cfg.HTTPWriteTimeout = getDuration("HTTP_WRITE_TIMEOUT", 0)
	cfg.HTTPIdleTimeout = getDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)

	// validation
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	switch cfg.PushOverflowPolicy {
	case OverflowDropOldest, OverflowDisconnect, OverflowBlock:
	default:
		return nil, fmt.Errorf("invalid PUSH_OVERFLOW_POLICY %q", cfg.PushOverflowPolicy)
	}
	switch cfg.AckPolicy {
	case AckBestEffort, AckAllConnected:
	default:
		return nil, fmt.Errorf("invalid DISPATCHER_ACK_POLICY %q", cfg.AckPolicy)
	}
	// Blocking enqueue is only safe when the dispatcher waits for every
	// connection before acking.
	if cfg.PushOverflowPolicy == OverflowBlock && cfg.AckPolicy != AckAllConnected {
		return nil, fmt.Errorf("PUSH_OVERFLOW_POLICY=block requires DISPATCHER_ACK_POLICY=all_connected")
	}

	return cfg, nil
}

// HeartbeatFor returns the heartbeat interval for a push channel.
func (c *Config) HeartbeatFor(channel string) time.Duration {
	switch channel {
	case "orders":
		return c.HeartbeatOrders
	case "notifications":
		return c.HeartbeatNotifications
	default:
		return c.HeartbeatGeneral
	}
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getIntEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getFloatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
