// Package config holds the file + environment configuration for both the
// gateway and agent processes. Values come from a json5 config file overlaid
// with TASKFABRIC_* environment variables; env wins.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Queue     QueueConfig     `json:"queue"`
	Stream    StreamConfig    `json:"stream"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Chat      ChatConfig      `json:"chat,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

// GatewayConfig configures the cloud-side server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env TASKFABRIC_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// HeartbeatInterval drives the dead-agent sweep: agents silent for
	// longer than 2x this interval are closed.
	HeartbeatInterval time.Duration `json:"-"` // TASKFABRIC_WS_HEARTBEAT_INTERVAL (ms)
	AuthTimeout       time.Duration `json:"-"` // TASKFABRIC_WS_AUTH_TIMEOUT (ms)

	// RateLimitRPS bounds task submissions per project. 0 disables.
	RateLimitRPS float64 `json:"rate_limit_rps,omitempty"`
}

// AgentConfig configures the worker-agent process.
type AgentConfig struct {
	ID         string `json:"id"`
	GatewayURL string `json:"gateway_url"`
	APIKey     string `json:"-"` // from env TASKFABRIC_AGENT_API_KEY only

	// ProjectRoots are the only directories tasks may touch. A submitted
	// localPath outside every root fails validation before any fs effect.
	ProjectRoots []string `json:"project_roots"`

	MaxConcurrentTasks     int `json:"max_concurrent_tasks,omitempty"`
	MaxContinuations       int `json:"max_continuations,omitempty"`
	MaxTurnsPerInvocation  int `json:"max_turns_per_invocation,omitempty"`

	KeepaliveInterval time.Duration `json:"-"` // TASKFABRIC_AGENT_KEEPALIVE (ms)
	TaskTimeout       time.Duration `json:"-"` // TASKFABRIC_TASK_TIMEOUT (ms)

	// AuthTimeout bounds the auth handshake; both ends read the same
	// TASKFABRIC_WS_AUTH_TIMEOUT so tuning one tunes the other.
	AuthTimeout time.Duration `json:"-"` // TASKFABRIC_WS_AUTH_TIMEOUT (ms)

	ReconnectBase      time.Duration `json:"-"` // TASKFABRIC_WS_RECONNECT_BASE (ms)
	ReconnectMax       time.Duration `json:"-"` // TASKFABRIC_WS_RECONNECT_MAX (ms)
	BreakerMaxFailures int           `json:"-"` // TASKFABRIC_CIRCUIT_BREAKER_MAX_FAILURES
	BreakerLongBackoff time.Duration `json:"-"` // TASKFABRIC_CIRCUIT_BREAKER_LONG_BACKOFF (ms)

	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`

	// InvokerCommand is the streaming model CLI the executor shells out
	// to; InvokerArgs are prepended before the generated flags.
	InvokerCommand string   `json:"invoker_command,omitempty"`
	InvokerArgs    []string `json:"invoker_args,omitempty"`
}

// QueueConfig configures the durable offline queue.
type QueueConfig struct {
	TTL time.Duration `json:"-"` // TASKFABRIC_OFFLINE_QUEUE_TTL (ms), default 24h

	// SweepCron is a cron expression for the expired-entry sweep.
	SweepCron string `json:"sweep_cron,omitempty"`
}

// StreamConfig configures the chat-update accumulator.
type StreamConfig struct {
	UpdateInterval   time.Duration `json:"-"` // TASKFABRIC_STREAM_UPDATE_INTERVAL (ms)
	MaxSnapshotChars int           `json:"max_snapshot_chars,omitempty"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file (secret) — only from env
// TASKFABRIC_POSTGRES_DSN. When unset, the sqlite backend is used.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode reports whether the gateway runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.PostgresDSN != ""
}

// ChatConfig configures the chat-platform poster.
type ChatConfig struct {
	Platform      string `json:"platform,omitempty"` // "telegram" (default) or "none"
	TelegramToken string `json:"-"`                  // from env TASKFABRIC_TELEGRAM_TOKEN only
	TelegramProxy string `json:"telegram_proxy,omitempty"`
}

// TelemetryConfig configures OTLP trace export. When disabled, a no-op
// tracer is installed.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// RetentionConfig configures deletion of terminal tasks.
type RetentionConfig struct {
	MaxAgeDays int    `json:"max_age_days,omitempty"` // 0 = keep forever
	SweepCron  string `json:"sweep_cron,omitempty"`
}
