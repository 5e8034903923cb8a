package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/internal/store"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// Server is the cloud-side gateway: it terminates agent WebSocket
// connections and exposes the task submission HTTP API.
type Server struct {
	cfg        *config.Config
	agents     *AgentManager
	dispatcher *Dispatcher
	submitter  *Submitter
	audit      store.AuditStore

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, agents *AgentManager, dispatcher *Dispatcher, submitter *Submitter, audit store.AuditStore) *Server {
	s := &Server{
		cfg:        cfg,
		agents:     agents,
		dispatcher: dispatcher,
		submitter:  submitter,
		audit:      audit,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the allowlist.
// No configured origins = allow all. Empty Origin (non-browser
// clients, i.e. every agent) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/tasks", s.requireToken(s.handleTasks))
	mux.HandleFunc("/v1/tasks/", s.requireToken(s.handleTaskByID))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and runs the agent session:
// auth handshake first, then the read loop feeding the dispatcher.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(raw)

	agentID, ok := s.authenticate(raw, conn, r.RemoteAddr)
	if !ok {
		return
	}

	s.agents.Register(agentID, conn)
	defer s.agents.Unregister(agentID, conn, "connection closed")

	s.readLoop(r.Context(), agentID, raw)
}

// authenticate reads exactly one frame, which must be a valid
// auth:request, within the auth timeout.
func (s *Server) authenticate(raw *websocket.Conn, conn *wsConn, remoteAddr string) (string, bool) {
	authTimeout := s.cfg.Gateway.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	raw.SetReadDeadline(time.Now().Add(authTimeout))

	_, data, err := raw.ReadMessage()
	if err != nil {
		slog.Warn("auth.read_failed", "remote", remoteAddr, "error", err)
		conn.CloseWithCode(protocol.CloseAuthFailed, "auth timeout")
		return "", false
	}

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeAuthRequest {
		s.rejectAuth(conn, remoteAddr, "", "first frame must be auth:request")
		return "", false
	}
	req, err := protocol.DecodePayload[protocol.AuthRequest](env)
	if err != nil {
		s.rejectAuth(conn, remoteAddr, "", "malformed auth payload")
		return "", false
	}
	if req.AgentID == "" || req.APIKey != s.cfg.Gateway.Token || s.cfg.Gateway.Token == "" {
		s.rejectAuth(conn, remoteAddr, req.AgentID, "invalid credentials")
		return "", false
	}

	resp, err := protocol.NewEnvelope(protocol.TypeAuthResponse, protocol.AuthResponse{Success: true})
	if err != nil || conn.WriteEnvelope(resp) != nil {
		conn.CloseWithCode(protocol.CloseAuthFailed, "auth response failed")
		return "", false
	}

	s.auditLog(store.AuditAuthOK, req.AgentID, "version "+req.Version)
	return req.AgentID, true
}

func (s *Server) rejectAuth(conn *wsConn, remoteAddr, agentID, reason string) {
	slog.Warn("auth.rejected", "remote", remoteAddr, "agent_id", agentID, "reason", reason)
	s.auditLog(store.AuditAuthFailed, agentID, reason)
	if resp, err := protocol.NewEnvelope(protocol.TypeAuthResponse, protocol.AuthResponse{
		Success: false,
		Error:   reason,
	}); err == nil {
		conn.WriteEnvelope(resp)
	}
	conn.CloseWithCode(protocol.CloseAuthFailed, reason)
}

// readLoop pumps inbound envelopes into the dispatcher. The read
// deadline rides on the heartbeat: a silent agent is cut after twice
// the interval (the sweeper catches stragglers the deadline misses).
func (s *Server) readLoop(ctx context.Context, agentID string, raw *websocket.Conn) {
	interval := s.cfg.Gateway.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		raw.SetReadDeadline(time.Now().Add(2 * interval))
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("agent.read_error", "agent_id", agentID, "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("agent.bad_frame", "agent_id", agentID, "error", err)
			continue
		}

		if err := s.dispatcher.Dispatch(ctx, agentID, env); err != nil {
			slog.Error("dispatch.failed", "agent_id", agentID, "type", env.Type, "error", err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"agents":   len(agents),
		"detail":   agents,
	})
}

func (s *Server) auditLog(kind, agentID, detail string) {
	if s.audit == nil {
		return
	}
	entry := &store.AuditLog{Kind: kind, AgentID: agentID, Detail: detail}
	if err := s.audit.Append(context.Background(), entry); err != nil {
		slog.Warn("audit.append_failed", "kind", kind, "error", err)
	}
}

// StartTestServer binds :0 and returns the address plus a start
// function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
