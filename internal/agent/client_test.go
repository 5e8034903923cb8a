package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"net.Error", timeoutErr{}, true},
		{"wrapped net.Error", fmt.Errorf("read: %w", timeoutErr{}), true},
		{"EOF", io.EOF, true},
		{"unexpected EOF", io.ErrUnexpectedEOF, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"EPIPE", syscall.EPIPE, true},
		{"net.ErrClosed", net.ErrClosed, true},
		{"abnormal closure", websocket.CloseError{Code: websocket.StatusAbnormalClosure}, true},
		{"going away", websocket.CloseError{Code: websocket.StatusGoingAway}, true},
		{"policy violation close", websocket.CloseError{Code: websocket.StatusPolicyViolation}, false},
		{"string fallback", errors.New("dial tcp: connection refused"), true},
		{"plain logic error", errors.New("invalid payload"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNetworkError(tt.err); got != tt.want {
				t.Errorf("isNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAuthDeadlineFollowsConfig(t *testing.T) {
	handler := func(_ context.Context, _ *protocol.Envelope) {}

	c := NewClient(config.AgentConfig{ID: "agent-1", AuthTimeout: 5 * time.Second}, handler)
	if got := c.authDeadline(); got != 5*time.Second {
		t.Errorf("authDeadline = %v, want configured 5s", got)
	}

	c = NewClient(config.AgentConfig{ID: "agent-1"}, handler)
	if got := c.authDeadline(); got != 10*time.Second {
		t.Errorf("authDeadline = %v, want 10s default", got)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	cfg := config.AgentConfig{ID: "agent-1", GatewayURL: "ws://localhost:0/ws"}
	c := NewClient(cfg, func(_ context.Context, _ *protocol.Envelope) {})
	if err := c.Send(context.Background(), protocol.TypeHeartbeatPing, protocol.HeartbeatPing{}); err == nil {
		t.Error("Send without a connection should fail")
	}
}
