// ABOUTME: Event envelope and typed payloads for the Nexus agent protocol.
// ABOUTME: Defines the closed set of event kinds and per-kind payload validation.

package oblivion

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the schema of an event payload. The set of kinds is
// closed; the dispatcher drops frames carrying an unknown kind.
type Kind string

// Server → agent events.
const (
	KindTaskAssigned  Kind = "task_assigned"
	KindContextUpdate Kind = "context_update"
	KindWakeUp        Kind = "wake_up"
	KindToolResult    Kind = "tool_result"
)

// Agent → server events.
const (
	KindAgentReady   Kind = "agent_ready"
	KindToolRequest  Kind = "tool_request"
	KindStatusUpdate Kind = "status_update"
)

// KindHeartbeat flows in both directions.
const KindHeartbeat Kind = "heartbeat"

// KindConnected is the server's connection acknowledgment. It is consumed
// by the client during the handshake and never reaches registered handlers.
const KindConnected Kind = "connected"

// AgentStatus is the coarse agent state reported via status_update.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusWorking AgentStatus = "working"
	StatusError   AgentStatus = "error"
)

// WakeUpReason explains why the server woke the agent.
type WakeUpReason string

const (
	WakeUpScheduled WakeUpReason = "scheduled"
	WakeUpManual    WakeUpReason = "manual"
	WakeUpRetry     WakeUpReason = "retry"
)

// Envelope is the outer wrapper common to every event on the realtime
// channel. Type determines the payload schema; Timestamp is ISO-8601 UTC.
type Envelope struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// NewEnvelope wraps a payload in an envelope stamped with the current UTC time.
func NewEnvelope(kind Kind, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	return &Envelope{
		Type:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// TaskAssignedPayload notifies the agent of a newly assigned task.
type TaskAssignedPayload struct {
	TaskID           string `json:"taskId"`
	ProjectMappingID string `json:"projectMappingId"`
	ClickupTaskID    string `json:"clickupTaskId"`
	SlackChannelID   string `json:"slackChannelId"`
	SlackThreadTS    string `json:"slackThreadTs"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	AssignedAt       string `json:"assignedAt"`
}

func (p *TaskAssignedPayload) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// ContextUpdatePayload carries a new message in a task's conversation thread.
type ContextUpdatePayload struct {
	TaskID         string `json:"taskId"`
	SlackChannelID string `json:"slackChannelId"`
	SlackThreadTS  string `json:"slackThreadTs"`
	MessageTS      string `json:"messageTs"`
	Author         string `json:"author"`
	Content        string `json:"content"`
	IsHuman        bool   `json:"isHuman"`
}

func (p *ContextUpdatePayload) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if p.Author == "" {
		return fmt.Errorf("author is required")
	}
	return nil
}

// WakeUpPayload is a generic wake signal for the agent.
type WakeUpPayload struct {
	Reason   WakeUpReason   `json:"reason"`
	TaskID   string         `json:"taskId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *WakeUpPayload) validate() error {
	switch p.Reason {
	case WakeUpScheduled, WakeUpManual, WakeUpRetry:
		return nil
	default:
		return fmt.Errorf("unknown wake_up reason %q", p.Reason)
	}
}

// ToolRequestPayload asks the server to execute a tool on the agent's behalf.
type ToolRequestPayload struct {
	RequestID string         `json:"requestId"`
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
}

// ToolResultPayload is the response to a tool_request, correlated by RequestID.
// Timeouts and disconnects are reported through the same shape with
// Success=false rather than as errors.
type ToolResultPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (p *ToolResultPayload) validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("requestId is required")
	}
	return nil
}

// HeartbeatPayload is the bidirectional liveness ping/pong.
type HeartbeatPayload struct {
	Ping       bool   `json:"ping,omitempty"`
	Pong       bool   `json:"pong,omitempty"`
	ServerTime string `json:"serverTime"`
}

func (p *HeartbeatPayload) validate() error { return nil }

// AgentReadyPayload announces the agent's capabilities once the handshake
// completes.
type AgentReadyPayload struct {
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version,omitempty"`
}

// StatusUpdatePayload reports the agent's current status.
type StatusUpdatePayload struct {
	Status  AgentStatus `json:"status"`
	TaskID  string      `json:"taskId,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ConnectedPayload is the server's handshake acknowledgment carrying the
// assigned agent identity.
type ConnectedPayload struct {
	Message    string `json:"message"`
	AgentID    string `json:"agentId"`
	ServerTime string `json:"serverTime"`
}

func (p *ConnectedPayload) validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("agentId is required")
	}
	return nil
}

// payloadValidator is implemented by every inbound payload type.
type payloadValidator interface {
	validate() error
}

// unmarshalPayload decodes an envelope's payload into dst and validates it.
func unmarshalPayload(env *Envelope, dst payloadValidator) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return err
	}
	return dst.validate()
}
