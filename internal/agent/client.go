package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// Version is stamped at build time.
var Version = "dev"

// ErrAuthRejected means the gateway refused our credentials. Not
// retryable: backing off forever on a bad key only hides the problem.
var ErrAuthRejected = errors.New("gateway rejected credentials")

// Client maintains the persistent outbound gateway connection:
// dial, auth handshake, keepalive, and the reconnect loop with
// exponential backoff and a circuit breaker.
type Client struct {
	cfg     config.AgentConfig
	handler func(ctx context.Context, env *protocol.Envelope)
	backoff *Backoff
	breaker *Breaker

	mu   sync.Mutex
	conn *websocket.Conn

	// lastPong is the receive time of the latest heartbeat:pong.
	pongMu   sync.Mutex
	lastPong time.Time
}

func NewClient(cfg config.AgentConfig, handler func(ctx context.Context, env *protocol.Envelope)) *Client {
	return &Client{
		cfg:     cfg,
		handler: handler,
		backoff: NewBackoff(cfg.ReconnectBase, cfg.ReconnectMax),
		breaker: NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerLongBackoff),
	}
}

// Run drives the reconnect loop until ctx is cancelled or a
// non-recoverable error (bad credentials) occurs.
func (c *Client) Run(ctx context.Context) error {
	for {
		if wait := c.breaker.Wait(); wait > 0 {
			slog.Warn("gateway.circuit_open", "wait", wait, "failures", c.breaker.Failures())
			if !sleepCtx(ctx, wait) {
				return nil
			}
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}

		c.breaker.RecordFailure()
		delay := c.backoff.Next()
		slog.Warn("gateway.reconnecting", "delay", delay, "attempt", c.backoff.Attempt(), "error", err)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// Send delivers one envelope to the gateway. Fails when disconnected.
func (c *Client) Send(ctx context.Context, msgType string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send %s: not connected", msgType)
	}

	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// connectAndServe runs one connection lifetime: dial, auth, then the
// read loop with a keepalive goroutine alongside.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.GatewayURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.GatewayURL, err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	if err := c.authenticate(ctx, conn); err != nil {
		conn.Close(websocket.StatusCode(protocol.CloseAuthFailed), "auth failed")
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setPong(time.Now())
	c.breaker.RecordSuccess()
	c.backoff.Reset()
	slog.Info("gateway.connected", "url", c.cfg.GatewayURL, "agent_id", c.cfg.ID)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	go c.keepalive(connCtx, conn)

	err = c.readLoop(connCtx, conn)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	return err
}

// authenticate sends auth:request and expects auth:response{success}
// within the auth timeout.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	authCtx, cancel := context.WithTimeout(ctx, c.authDeadline())
	defer cancel()

	data, err := protocol.Encode(protocol.TypeAuthRequest, protocol.AuthRequest{
		AgentID: c.cfg.ID,
		APIKey:  c.cfg.APIKey,
		Version: Version,
	})
	if err != nil {
		return err
	}
	if err := conn.Write(authCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}

	_, raw, err := conn.Read(authCtx)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("parse auth response: %w", err)
	}
	if env.Type != protocol.TypeAuthResponse {
		return fmt.Errorf("expected auth:response, got %s", env.Type)
	}
	resp, err := protocol.DecodePayload[protocol.AuthResponse](env)
	if err != nil {
		return err
	}
	if !resp.Success {
		slog.Error("gateway.auth_rejected", "agent_id", c.cfg.ID, "error", resp.Error)
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Error)
	}
	return nil
}

func (c *Client) authDeadline() time.Duration {
	if c.cfg.AuthTimeout > 0 {
		return c.cfg.AuthTimeout
	}
	return 10 * time.Second
}

// keepalive sends heartbeat:ping every interval and force-closes the
// connection when no pong lands within twice the interval.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	interval := c.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(c.getPong()) > 2*interval {
				slog.Warn("gateway.pong_timeout", "agent_id", c.cfg.ID)
				conn.Close(websocket.StatusCode(protocol.CloseHeartbeatTimeout), "pong timeout")
				return
			}
			if err := c.Send(ctx, protocol.TypeHeartbeatPing, protocol.HeartbeatPing{
				ServerTime: time.Now().UnixMilli(),
			}); err != nil {
				slog.Warn("gateway.ping_failed", "error", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			slog.Warn("gateway.bad_frame", "error", err)
			continue
		}

		if env.Type == protocol.TypeHeartbeatPong {
			c.setPong(time.Now())
		}
		c.handler(ctx, env)
	}
}

func (c *Client) setPong(t time.Time) {
	c.pongMu.Lock()
	c.lastPong = t
	c.pongMu.Unlock()
}

func (c *Client) getPong() time.Time {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	return c.lastPong
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// isNetworkError reports whether err is network-shaped: a transient
// transport failure worth retrying, as opposed to a logic error.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.StatusAbnormalClosure ||
			closeErr.Code == websocket.StatusGoingAway ||
			closeErr.Code == websocket.StatusServiceRestart
	}
	// Wrapped transport errors that lost their type on the way.
	msg := err.Error()
	for _, marker := range []string{"connection reset", "connection refused", "broken pipe", "timeout", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
