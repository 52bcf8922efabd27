package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the outer JSON wrapper for all WebSocket messages.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageType enumerates all control-plane message types.
type MessageType string

// Agent -> UI message types.
const (
	MsgRegister  MessageType = "register"
	MsgHeartbeat MessageType = "heartbeat"
	MsgLog       MessageType = "log"
	MsgStatus    MessageType = "status"
	MsgEvent     MessageType = "event"
	MsgLogEnd    MessageType = "log_end"
)

// UI -> Agent message types.
const (
	MsgConfigUpdate    MessageType = "config_update"
	MsgRestartPipeline MessageType = "restart_pipeline"
	MsgShutdown        MessageType = "shutdown"
	MsgAck             MessageType = "ack"
)

// RegisterPayload identifies the agent to the UI. Sent exactly once, as the
// first frame after the dial.
type RegisterPayload struct {
	AgentID      string            `json:"agent_id"`
	Hostname     string            `json:"hostname,omitempty"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// HeartbeatPayload keeps the connection alive and carries coarse liveness.
// Status is one of "idle", "running" or "error".
type HeartbeatPayload struct {
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
	ActiveSessions int       `json:"active_sessions"`
	UptimeSeconds  int64     `json:"uptime_seconds,omitempty"`
	Status         string    `json:"status"`
}

// LogEntry is a structured log line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// LogPayload streams one session log line to the UI.
type LogPayload struct {
	AgentID   string   `json:"agent_id"`
	SessionID string   `json:"session_id"`
	Entry     LogEntry `json:"entry"`
}

// LogEndPayload marks the end of a session's log stream. The UI can close
// its live tail for that session once this arrives.
type LogEndPayload struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// SessionInfo describes one session in a status report. Status is "active"
// or "completed"; Transport names the media provider serving the session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name,omitempty"`
	Transport string `json:"transport,omitempty"`
	StartedAt string `json:"started_at"`
	Status    string `json:"status"`
}

// StatusPayload reports agent state and its session list. Status is one of
// "idle", "running", "error" or "draining".
type StatusPayload struct {
	AgentID  string        `json:"agent_id"`
	Status   string        `json:"status"`
	Sessions []SessionInfo `json:"sessions"`
}

// EventPayload forwards a pipeline event, opaque to the control plane, for
// external consumers such as the sprite preview in the demo UI.
type EventPayload struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	EventID   string          `json:"event_id"`
	Data      json.RawMessage `json:"data"`
}

// ConfigUpdatePayload pushes new settings and provider keys to the agent.
type ConfigUpdatePayload struct {
	Settings json.RawMessage   `json:"settings,omitempty"`
	Keys     map[string]string `json:"keys,omitempty"`
}

// RestartPipelinePayload asks the agent to tear down and rebuild its
// pipeline, typically after a config update.
type RestartPipelinePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ShutdownPayload asks the agent to drain and exit.
type ShutdownPayload struct {
	Reason       string `json:"reason,omitempty"`
	GraceSeconds int    `json:"grace_seconds,omitempty"`
}

// AckPayload acknowledges a received message.
type AckPayload struct {
	AckedType MessageType `json:"acked_type"`
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
}
