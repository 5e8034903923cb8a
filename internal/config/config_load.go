package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18890,
			HeartbeatInterval: 30 * time.Second,
			AuthTimeout:       10 * time.Second,
			RateLimitRPS:      2,
		},
		Agent: AgentConfig{
			GatewayURL:            "ws://127.0.0.1:18890/ws",
			MaxConcurrentTasks:    5,
			MaxContinuations:      3,
			MaxTurnsPerInvocation: 200,
			KeepaliveInterval:     20 * time.Second,
			TaskTimeout:           30 * time.Minute,
			AuthTimeout:           10 * time.Second,
			ReconnectBase:         time.Second,
			ReconnectMax:          30 * time.Second,
			BreakerMaxFailures:    10,
			BreakerLongBackoff:    5 * time.Minute,
			InvokerCommand:        "claude",
		},
		Queue: QueueConfig{
			TTL:       24 * time.Hour,
			SweepCron: "*/5 * * * *",
		},
		Stream: StreamConfig{
			UpdateInterval:   3 * time.Second,
			MaxSnapshotChars: 3900,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.taskfabric/fabric.db",
		},
		Chat: ChatConfig{
			Platform: "telegram",
		},
		Retention: RetentionConfig{
			MaxAgeDays: 30,
			SweepCron:  "0 4 * * *",
		},
	}
}

// Load reads config from a json5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. All durations are
// millisecond integers on the environment side.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	envMs := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}

	envStr("TASKFABRIC_GATEWAY_HOST", &c.Gateway.Host)
	envInt("TASKFABRIC_GATEWAY_PORT", &c.Gateway.Port)
	envStr("TASKFABRIC_GATEWAY_TOKEN", &c.Gateway.Token)
	envMs("TASKFABRIC_WS_HEARTBEAT_INTERVAL", &c.Gateway.HeartbeatInterval)
	envMs("TASKFABRIC_WS_AUTH_TIMEOUT", &c.Gateway.AuthTimeout)
	envFloat("TASKFABRIC_RATE_LIMIT_RPS", &c.Gateway.RateLimitRPS)

	envStr("TASKFABRIC_AGENT_ID", &c.Agent.ID)
	envStr("TASKFABRIC_AGENT_API_KEY", &c.Agent.APIKey)
	envStr("TASKFABRIC_GATEWAY_URL", &c.Agent.GatewayURL)
	envInt("TASKFABRIC_MAX_CONCURRENT_TASKS", &c.Agent.MaxConcurrentTasks)
	envInt("TASKFABRIC_MAX_CONTINUATIONS", &c.Agent.MaxContinuations)
	envInt("TASKFABRIC_MAX_TURNS_PER_INVOCATION", &c.Agent.MaxTurnsPerInvocation)
	envMs("TASKFABRIC_AGENT_KEEPALIVE", &c.Agent.KeepaliveInterval)
	envMs("TASKFABRIC_TASK_TIMEOUT", &c.Agent.TaskTimeout)
	envMs("TASKFABRIC_WS_AUTH_TIMEOUT", &c.Agent.AuthTimeout)
	envMs("TASKFABRIC_WS_RECONNECT_BASE", &c.Agent.ReconnectBase)
	envMs("TASKFABRIC_WS_RECONNECT_MAX", &c.Agent.ReconnectMax)
	envInt("TASKFABRIC_CIRCUIT_BREAKER_MAX_FAILURES", &c.Agent.BreakerMaxFailures)
	envMs("TASKFABRIC_CIRCUIT_BREAKER_LONG_BACKOFF", &c.Agent.BreakerLongBackoff)
	envStr("TASKFABRIC_INVOKER_COMMAND", &c.Agent.InvokerCommand)

	envMs("TASKFABRIC_OFFLINE_QUEUE_TTL", &c.Queue.TTL)
	envMs("TASKFABRIC_STREAM_UPDATE_INTERVAL", &c.Stream.UpdateInterval)
	envInt("TASKFABRIC_MAX_SNAPSHOT_CHARS", &c.Stream.MaxSnapshotChars)

	envStr("TASKFABRIC_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TASKFABRIC_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("TASKFABRIC_TELEGRAM_TOKEN", &c.Chat.TelegramToken)

	envStr("TASKFABRIC_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
