// Package protocol defines the wire envelope exchanged between the cloud
// gateway and remote worker agents, the payload schema for every message
// type, and the close codes used on the WebSocket transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion = 2

// Envelope is the tagged, timestamped, uniquely-identified wire unit.
// Type fully determines the payload schema.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // ms epoch, assigned at encode time
}

// Message type tags. Direction noted A→C (agent to cloud) or C→A.
const (
	TypeAuthRequest  = "auth:request"  // A→C
	TypeAuthResponse = "auth:response" // C→A

	TypeHeartbeatPing = "heartbeat:ping" // A→C
	TypeHeartbeatPong = "heartbeat:pong" // C→A

	TypeTaskSubmit    = "task:submit"    // C→A
	TypeTaskAck       = "task:ack"       // A→C
	TypeTaskProgress  = "task:progress"  // A→C
	TypeTaskStream    = "task:stream"    // A→C
	TypeTaskComplete  = "task:complete"  // A→C
	TypeTaskError     = "task:error"     // A→C
	TypeTaskCancel    = "task:cancel"    // C→A
	TypeTaskCancelled = "task:cancelled" // A→C

	TypeAgentStatus   = "agent:status"   // A→C
	TypeSystemRestart = "system:restart" // C→A
)

// WebSocket close codes (4000-range, application defined).
const (
	CloseReplaced         = 4000 // a newer connection authenticated with the same agent id
	CloseAuthFailed       = 4001
	CloseHeartbeatTimeout = 4002
)

// Encode marshals payload into a fresh envelope with a new id and the
// current timestamp, and returns the serialized bytes.
func Encode(msgType string, payload any) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewEnvelope builds an envelope without serializing the outer frame.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", msgType, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Marshal serializes the envelope frame for the wire or for durable
// queue storage.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope off the wire. The critical fields (id, type,
// timestamp) fail closed; unknown fields inside the payload are tolerated
// for forward compatibility.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("protocol: envelope missing id")
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: envelope missing type")
	}
	if env.Timestamp <= 0 {
		return nil, fmt.Errorf("protocol: envelope missing timestamp")
	}
	return &env, nil
}

// DecodePayload unmarshals the payload of env into T.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var p T
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("protocol: %s envelope has empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode %s payload: %w", env.Type, err)
	}
	return &p, nil
}
