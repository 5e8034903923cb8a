package gateway

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/bus"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// wire is the send surface of one live agent connection. The concrete
// implementation wraps a websocket conn; tests substitute a fake.
type wire interface {
	// WriteEnvelope serializes and sends one envelope.
	WriteEnvelope(env *protocol.Envelope) error
	// CloseWithCode sends a close frame and tears the connection down.
	CloseWithCode(code int, reason string)
}

// agentConn is the manager's record of one authenticated agent.
type agentConn struct {
	agentID       string
	conn          wire
	status        string
	activeTasks   map[string]struct{}
	connectedAt   time.Time
	lastHeartbeat time.Time
	cpuUsage      float64
	memoryUsage   float64
}

// AgentSnapshot is the read-only view exposed on /health.
type AgentSnapshot struct {
	AgentID       string    `json:"agentId"`
	Status        string    `json:"status"`
	ActiveTasks   []string  `json:"activeTasks"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// AgentManager owns every live agent connection. Nothing else holds a
// transport handle; components address agents by id through Send.
type AgentManager struct {
	eventPub bus.EventPublisher

	mu     sync.RWMutex
	agents map[string]*agentConn
}

func NewAgentManager(eventPub bus.EventPublisher) *AgentManager {
	return &AgentManager{
		eventPub: eventPub,
		agents:   make(map[string]*agentConn),
	}
}

// Register installs a freshly authenticated connection. A prior
// connection under the same agent id is superseded: closed with
// CloseReplaced before the new one takes its slot.
func (m *AgentManager) Register(agentID string, conn wire) {
	m.mu.Lock()
	prior, had := m.agents[agentID]
	now := time.Now()
	m.agents[agentID] = &agentConn{
		agentID:       agentID,
		conn:          conn,
		status:        protocol.AgentOnline,
		activeTasks:   make(map[string]struct{}),
		connectedAt:   now,
		lastHeartbeat: now,
	}
	m.mu.Unlock()

	if had {
		slog.Info("agent.replaced", "agent_id", agentID)
		prior.conn.CloseWithCode(protocol.CloseReplaced, "superseded by newer connection")
	}

	slog.Info("agent.connected", "agent_id", agentID)
	m.eventPub.Broadcast(bus.Event{Name: bus.EventAgentConnected, AgentID: agentID})
}

// Unregister removes the connection, but only if conn is still the
// registered one. A superseded connection unregistering late must not
// evict its replacement.
func (m *AgentManager) Unregister(agentID string, conn wire, reason string) {
	m.mu.Lock()
	current, ok := m.agents[agentID]
	if !ok || current.conn != conn {
		m.mu.Unlock()
		return
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	slog.Info("agent.disconnected", "agent_id", agentID, "reason", reason)
	m.eventPub.Broadcast(bus.Event{Name: bus.EventAgentDisconnected, AgentID: agentID, Reason: reason})
}

// Send delivers one envelope to a connected agent. Returns false when
// the agent is offline or the write fails; the caller decides whether
// to queue.
func (m *AgentManager) Send(agentID string, env *protocol.Envelope) bool {
	m.mu.RLock()
	ac, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if err := ac.conn.WriteEnvelope(env); err != nil {
		slog.Warn("agent.send_failed", "agent_id", agentID, "type", env.Type, "error", err)
		return false
	}
	return true
}

// Broadcast sends env to every connected agent, returning how many
// writes succeeded.
func (m *AgentManager) Broadcast(env *protocol.Envelope) int {
	m.mu.RLock()
	conns := make([]*agentConn, 0, len(m.agents))
	for _, ac := range m.agents {
		conns = append(conns, ac)
	}
	m.mu.RUnlock()

	sent := 0
	for _, ac := range conns {
		if err := ac.conn.WriteEnvelope(env); err == nil {
			sent++
		}
	}
	return sent
}

// IsConnected reports whether the agent has a live connection.
func (m *AgentManager) IsConnected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}

// UpdateHeartbeat stamps the last-seen time, feeding the dead sweep.
func (m *AgentManager) UpdateHeartbeat(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.agents[agentID]; ok {
		ac.lastHeartbeat = time.Now()
	}
}

// UpdateStatus applies a self-reported agent:status frame.
func (m *AgentManager) UpdateStatus(agentID, status string, activeTasks []string, res *protocol.ResourceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.agents[agentID]
	if !ok {
		return
	}
	if status != "" {
		ac.status = status
	}
	ac.activeTasks = make(map[string]struct{}, len(activeTasks))
	for _, id := range activeTasks {
		ac.activeTasks[id] = struct{}{}
	}
	if res != nil {
		ac.cpuUsage = res.CPUUsage
		ac.memoryUsage = res.MemoryUsage
	}
	ac.lastHeartbeat = time.Now()
}

// TrackTask records a task as in flight on the agent.
func (m *AgentManager) TrackTask(agentID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.agents[agentID]; ok {
		ac.activeTasks[taskID] = struct{}{}
	}
}

// UntrackTask drops a finished task from the agent's active set.
func (m *AgentManager) UntrackTask(agentID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.agents[agentID]; ok {
		delete(ac.activeTasks, taskID)
	}
}

// ActiveTaskCount returns the size of the agent's active set.
func (m *AgentManager) ActiveTaskCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ac, ok := m.agents[agentID]; ok {
		return len(ac.activeTasks)
	}
	return 0
}

// Gauges returns the agent's last self-reported cpu and memory usage.
func (m *AgentManager) Gauges(agentID string) (cpu, mem float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ac, ok := m.agents[agentID]; ok {
		return ac.cpuUsage, ac.memoryUsage
	}
	return 0, 0
}

// SweepDead closes and removes agents whose last heartbeat is older
// than twice the heartbeat interval. Returns the swept agent ids.
func (m *AgentManager) SweepDead(interval time.Duration) []string {
	cutoff := time.Now().Add(-2 * interval)

	m.mu.Lock()
	var dead []*agentConn
	for id, ac := range m.agents {
		if ac.lastHeartbeat.Before(cutoff) {
			dead = append(dead, ac)
			delete(m.agents, id)
		}
	}
	m.mu.Unlock()

	swept := make([]string, 0, len(dead))
	for _, ac := range dead {
		swept = append(swept, ac.agentID)
		slog.Warn("agent.swept", "agent_id", ac.agentID, "last_heartbeat", ac.lastHeartbeat)
		ac.conn.CloseWithCode(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
		m.eventPub.Broadcast(bus.Event{Name: bus.EventAgentDisconnected, AgentID: ac.agentID, Reason: "heartbeat timeout"})
	}
	return swept
}

// Snapshot returns the current registry view, sorted by agent id.
func (m *AgentManager) Snapshot() []AgentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentSnapshot, 0, len(m.agents))
	for _, ac := range m.agents {
		tasks := make([]string, 0, len(ac.activeTasks))
		for id := range ac.activeTasks {
			tasks = append(tasks, id)
		}
		sort.Strings(tasks)
		out = append(out, AgentSnapshot{
			AgentID:       ac.agentID,
			Status:        ac.status,
			ActiveTasks:   tasks,
			ConnectedAt:   ac.connectedAt,
			LastHeartbeat: ac.lastHeartbeat,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of connected agents.
func (m *AgentManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}
