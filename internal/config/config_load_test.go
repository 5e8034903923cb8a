package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxConcurrentTasks != 5 {
		t.Errorf("MaxConcurrentTasks = %d, want 5", cfg.Agent.MaxConcurrentTasks)
	}
	if cfg.Queue.TTL != 24*time.Hour {
		t.Errorf("Queue.TTL = %v, want 24h", cfg.Queue.TTL)
	}
	if cfg.Stream.MaxSnapshotChars != 3900 {
		t.Errorf("MaxSnapshotChars = %d, want 3900", cfg.Stream.MaxSnapshotChars)
	}
}

func TestLoad_FileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// json5: comments and trailing commas allowed
	body := `{
		// fabric gateway
		gateway: { host: "10.0.0.1", port: 9999, },
		agent: { max_concurrent_tasks: 2 },
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TASKFABRIC_GATEWAY_PORT", "7777")
	t.Setenv("TASKFABRIC_OFFLINE_QUEUE_TTL", "60000")
	t.Setenv("TASKFABRIC_WS_AUTH_TIMEOUT", "5000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Host != "10.0.0.1" {
		t.Errorf("Host = %q", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("Port = %d, want env override 7777", cfg.Gateway.Port)
	}
	if cfg.Agent.MaxConcurrentTasks != 2 {
		t.Errorf("MaxConcurrentTasks = %d, want 2", cfg.Agent.MaxConcurrentTasks)
	}
	if cfg.Queue.TTL != time.Minute {
		t.Errorf("Queue.TTL = %v, want 1m from env ms", cfg.Queue.TTL)
	}
	// Both handshake ends read the same auth-timeout knob.
	if cfg.Gateway.AuthTimeout != 5*time.Second {
		t.Errorf("Gateway.AuthTimeout = %v, want 5s", cfg.Gateway.AuthTimeout)
	}
	if cfg.Agent.AuthTimeout != 5*time.Second {
		t.Errorf("Agent.AuthTimeout = %v, want 5s", cfg.Agent.AuthTimeout)
	}
}

func TestLoad_ManagedModeFromDSN(t *testing.T) {
	t.Setenv("TASKFABRIC_POSTGRES_DSN", "postgres://u:p@localhost/fabric")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsManagedMode() {
		t.Error("expected managed mode when DSN set")
	}
}
