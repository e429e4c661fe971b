package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentMessageType identifies a message on the agent channel.
type AgentMessageType string

const (
	MsgSyncRequest  AgentMessageType = "sync_request"
	MsgSyncResponse AgentMessageType = "sync_response"
	MsgHeartbeat    AgentMessageType = "heartbeat"
	MsgLog          AgentMessageType = "log"
)

// AgentMessage is one JSON frame on the persistent agent channel. ID is the
// correlation id pairing a sync_response to its sync_request.
type AgentMessage struct {
	ID        string           `json:"id"`
	Type      AgentMessageType `json:"type"`
	CompanyID string           `json:"company_id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Error     string           `json:"error,omitempty"`
	SentAt    time.Time        `json:"sent_at"`
}

// ParseAgentMessage decodes and validates one frame.
func ParseAgentMessage(data []byte) (AgentMessage, error) {
	var msg AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("parse agent message: %w", err)
	}
	switch msg.Type {
	case MsgSyncRequest, MsgSyncResponse, MsgHeartbeat, MsgLog:
	default:
		return msg, fmt.Errorf("unknown agent message type %q", msg.Type)
	}
	return msg, nil
}

// HeartbeatPayload is the body of a heartbeat frame.
type HeartbeatPayload struct {
	AgentID       string `json:"agent_id"`
	RemoteVersion string `json:"remote_version,omitempty"`
	CompanyPath   string `json:"company_path,omitempty"`
}

// AgentLogPayload is the body of a log frame forwarded from the desktop agent.
type AgentLogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
