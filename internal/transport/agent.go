package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

// AgentRequester is the slice of an agent channel the adapter needs: paired
// request/response over the channel's correlation map.
type AgentRequester interface {
	Request(ctx context.Context, msg models.AgentMessage) (models.AgentMessage, error)
	Online() bool
}

// agentPayload is the body of a sync_request / sync_response frame. The XML
// envelope rides inside the JSON message.
type agentPayload struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Body       []byte            `json:"body"`
}

// AgentAdapter sends envelopes through a connected desktop agent.
type AgentAdapter struct {
	channel AgentRequester
	timeout time.Duration
	logger  *events.Logger
}

// NewAgentAdapter wraps a live agent channel.
func NewAgentAdapter(channel AgentRequester, timeout time.Duration, logger *events.Logger) *AgentAdapter {
	return &AgentAdapter{
		channel: channel,
		timeout: timeout,
		logger:  logger.WithField("component", "agent_adapter"),
	}
}

// Kind identifies the adapter.
func (a *AgentAdapter) Kind() string { return "agent" }

// Send wraps the envelope in a sync_request frame and waits for the matching
// sync_response. An offline agent is a retryable condition, not a hang:
// ErrAgentOffline surfaces immediately and the record's backoff budget
// schedules the redelivery.
func (a *AgentAdapter) Send(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(agentPayload{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Body:       req.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal agent payload: %w", err)
	}

	msg := models.AgentMessage{
		ID:        ulid.Make().String(),
		Type:      models.MsgSyncRequest,
		CompanyID: req.CompanyID,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}

	a.logger.WithFields(map[string]interface{}{
		"correlation_id": msg.ID,
		"entity_type":    req.EntityType,
		"entity_id":      req.EntityID,
	}).Debug("Sending sync_request")

	start := time.Now()
	resp, err := a.channel.Request(ctx, msg)
	if err != nil {
		return nil, &models.TransportError{
			Kind:    a.Kind(),
			Op:      "request",
			Timeout: ctx.Err() == context.DeadlineExceeded,
			Err:     err,
		}
	}

	if resp.Error != "" {
		return nil, &models.TransportError{
			Kind: a.Kind(),
			Op:   "request",
			Err:  fmt.Errorf("agent error: %s", resp.Error),
		}
	}

	var respPayload agentPayload
	if err := json.Unmarshal(resp.Payload, &respPayload); err != nil {
		return nil, fmt.Errorf("parse sync_response payload: %w", err)
	}

	return &Response{Body: respPayload.Body, Duration: time.Since(start)}, nil
}

// Close is a no-op; channel lifecycle belongs to the connection manager.
func (a *AgentAdapter) Close() error { return nil }
