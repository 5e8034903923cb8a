package protocol

// ChatOrigin identifies the exact conversation a task came from so the
// gateway can post results back in place.
type ChatOrigin struct {
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"threadTs,omitempty"`
	UserID    string `json:"userId"`
	MessageTS string `json:"messageTs,omitempty"`
}

// AuthRequest is the first frame an agent sends after dialing.
type AuthRequest struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
	Version string `json:"version"`
}

// AuthResponse closes the auth handshake.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HeartbeatPing is sent by the agent every keepalive interval.
type HeartbeatPing struct {
	ServerTime int64 `json:"serverTime,omitempty"`
}

// HeartbeatPong is the gateway's reply, carrying liveness gauges.
type HeartbeatPong struct {
	AgentID     string  `json:"agentId"`
	ServerTime  int64   `json:"serverTime"`
	ActiveTasks int     `json:"activeTasks"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
}

// TaskSubmit dispatches a task to an agent.
type TaskSubmit struct {
	TaskID       string     `json:"taskId"`
	ProjectID    string     `json:"projectId"`
	BotName      string     `json:"botName"`
	Command      string     `json:"command"`
	Prompt       string     `json:"prompt"`
	SystemPrompt string     `json:"systemPrompt,omitempty"`
	LocalPath    string     `json:"localPath"`
	Model        string     `json:"model,omitempty"`
	MaxBudget    float64    `json:"maxBudget,omitempty"`
	AllowedTools []string   `json:"allowedTools,omitempty"`
	ChatOrigin   ChatOrigin `json:"chatOrigin"`
}

// TaskAck is the agent's admission decision.
type TaskAck struct {
	TaskID        string `json:"taskId"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
	Queued        bool   `json:"queued,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// Progress notice kinds.
const (
	ProgressToolUse  = "tool_use"
	ProgressThinking = "thinking"
	ProgressInfo     = "info"
)

// TaskProgress is a user-visible progress notice.
type TaskProgress struct {
	TaskID    string `json:"taskId"`
	Type      string `json:"type"` // tool_use | thinking | info
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// TaskStream carries one text delta of the streaming response.
type TaskStream struct {
	TaskID    string `json:"taskId"`
	Delta     string `json:"delta"`
	Timestamp int64  `json:"timestamp"`
}

// TaskComplete reports natural completion with aggregated counters.
type TaskComplete struct {
	TaskID        string   `json:"taskId"`
	Result        string   `json:"result"`
	SessionID     string   `json:"sessionId,omitempty"`
	InputTokens   int64    `json:"inputTokens"`
	OutputTokens  int64    `json:"outputTokens"`
	EstimatedCost float64  `json:"estimatedCost"`
	FilesChanged  []string `json:"filesChanged,omitempty"`
	CommandsRun   []string `json:"commandsRun,omitempty"`
	DurationMs    int64    `json:"durationMs"`
}

// TaskError reports a failed task. Recoverable errors leave the task alive
// on the cloud side; the agent will retry after reconnecting.
type TaskError struct {
	TaskID      string `json:"taskId"`
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"` // stable error code, see errors.go
	Recoverable bool   `json:"recoverable"`
}

// TaskCancel asks the agent to abort a running or locally queued task.
type TaskCancel struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TaskCancelled confirms the abort took effect.
type TaskCancelled struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// Agent status values.
const (
	AgentOnline  = "online"
	AgentBusy    = "busy"
	AgentOffline = "offline"
)

// AgentStatus is a periodic agent self-report.
type AgentStatus struct {
	AgentID        string          `json:"agentId"`
	Status         string          `json:"status"` // online | busy | offline
	ActiveTasks    []string        `json:"activeTasks,omitempty"`
	Version        string          `json:"version,omitempty"`
	ResourceStatus *ResourceStatus `json:"resourceStatus,omitempty"`
}

// ResourceStatus carries host gauges used for admission gating.
type ResourceStatus struct {
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	Healthy     bool    `json:"healthy"`
}

// SystemRestart instructs the agent process to restart (supervisor restarts it).
type SystemRestart struct {
	Reason  string `json:"reason,omitempty"`
	Rebuild bool   `json:"rebuild,omitempty"`
}
