// Package config loads pipeline configuration from the environment.
// Unknown variables are ignored; malformed numeric values fall back to
// their defaults. Only values that make the process unbootable (an
// unrecognized scheduler strategy, a bad log format) are reported as
// errors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Strategy selects the scheduler lock backend.
type Strategy string

const (
	// StrategyAuto picks redis when available, then postgres, then memory.
	StrategyAuto Strategy = "auto"
	// StrategyMemory uses the in-process lock. Single process only.
	StrategyMemory Strategy = "memory"
	// StrategyPostgres uses an advisory row in the scheduler_locks table.
	StrategyPostgres Strategy = "postgres"
	// StrategyRedis uses SET NX PX on the shared Redis.
	StrategyRedis Strategy = "redis"
)

// LogFormat selects the Clue log encoding.
type LogFormat string

const (
	// LogJSON always emits JSON lines.
	LogJSON LogFormat = "json"
	// LogTerm always emits the colored terminal format.
	LogTerm LogFormat = "term"
	// LogAuto picks the terminal format on a TTY and JSON otherwise.
	LogAuto LogFormat = "auto"
)

// Config carries every environment-tunable setting of the pipeline.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string
	Port int

	// DatabaseURL is the Postgres connection string. Required unless the
	// process runs fully in memory.
	DatabaseURL string
	// RedisURL is the Redis connection URL. Empty selects the in-memory
	// queue, dedupe, and quota backends.
	RedisURL string
	// MongoURL enables the Mongo webhook audit mirror when set.
	MongoURL string
	// ConnectorBaseURL points at the connector invocation service. Empty
	// leaves action nodes without an invoker.
	ConnectorBaseURL string

	// EncryptionMasterKey seals stored credentials. Hex encoded, 32 bytes.
	EncryptionMasterKey string
	// JWTSecret verifies API bearer tokens (HS256).
	JWTSecret string
	// ResumeTokenSecret signs resume tokens. Falls back to JWTSecret.
	ResumeTokenSecret string

	// EnableInlineWorker runs the execution worker pool inside the API
	// process.
	EnableInlineWorker bool
	// WorkerCount is the number of concurrent execution workers.
	WorkerCount int
	// WorkerHeartbeatStartupTimeout bounds the wait for the first worker
	// heartbeat before the public probe reports a warning.
	WorkerHeartbeatStartupTimeout time.Duration

	// SchedulerStrategy selects the polling leader lock backend.
	SchedulerStrategy Strategy

	// WebhookReplayTolerance is the accepted clock skew for signed
	// webhook timestamps.
	WebhookReplayTolerance time.Duration
	// ExecutionTimeout is the wall-clock deadline for a single execution.
	ExecutionTimeout time.Duration

	// SingleProcess asserts that exactly one process serves this
	// deployment. Required for the memory lock strategy.
	SingleProcess bool

	// SeedFile optionally points at a YAML fixture loaded at boot.
	SeedFile string

	// Debug enables debug logging and the pprof handlers.
	Debug bool
	// Format selects the log encoding.
	Format LogFormat
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		Host:                          os.Getenv("HOST"),
		Port:                          envIntOr("PORT", 8080),
		DatabaseURL:                   os.Getenv("DATABASE_URL"),
		RedisURL:                      os.Getenv("REDIS_URL"),
		MongoURL:                      os.Getenv("MONGO_URL"),
		ConnectorBaseURL:              os.Getenv("CONNECTOR_BASE_URL"),
		EncryptionMasterKey:           os.Getenv("ENCRYPTION_MASTER_KEY"),
		JWTSecret:                     os.Getenv("JWT_SECRET"),
		ResumeTokenSecret:             os.Getenv("RESUME_TOKEN_SECRET"),
		EnableInlineWorker:            envBoolOr("ENABLE_INLINE_WORKER", true),
		WorkerCount:                   envIntOr("WORKER_COUNT", 4),
		WorkerHeartbeatStartupTimeout: envMillisOr("WORKER_HEARTBEAT_STARTUP_TIMEOUT_MS", 30*time.Second),
		SchedulerStrategy:             Strategy(envOr("SCHEDULER_STRATEGY", string(StrategyAuto))),
		WebhookReplayTolerance:        envSecondsOr("WEBHOOK_REPLAY_TOLERANCE_SECONDS", 300*time.Second),
		ExecutionTimeout:              envMillisOr("EXECUTION_TIMEOUT_MS", 24*time.Hour),
		SingleProcess:                 envBoolOr("SINGLE_PROCESS", false),
		SeedFile:                      os.Getenv("SEED_FILE"),
		Debug:                         envBoolOr("DEBUG", false),
		Format:                        LogFormat(envOr("LOG_FORMAT", string(LogAuto))),
	}
	if cfg.ResumeTokenSecret == "" {
		cfg.ResumeTokenSecret = cfg.JWTSecret
	}
	switch cfg.SchedulerStrategy {
	case StrategyAuto, StrategyMemory, StrategyPostgres, StrategyRedis:
	default:
		return Config{}, fmt.Errorf("SCHEDULER_STRATEGY: unknown strategy %q", cfg.SchedulerStrategy)
	}
	switch cfg.Format {
	case LogJSON, LogTerm, LogAuto:
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT: unknown format %q", cfg.Format)
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envMillisOr reads an integer millisecond count or a default.
func envMillisOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// envSecondsOr reads an integer second count or a default.
func envSecondsOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if s, err := strconv.ParseInt(v, 10, 64); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return defaultVal
}
