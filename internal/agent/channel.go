// Package agent owns the desktop agent channels: one persistent websocket
// per agent per company, heartbeat-derived health, an offline push queue,
// and the pool the connection manager selects transports from.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

// Channel is one bidirectional message stream to a desktop agent. Request/
// response pairing is deterministic: every sync_request carries a correlation
// id and the matching sync_response is routed through the pending map.
type Channel struct {
	CompanyID    string
	AgentID      string
	ConnectionID string

	logger     *events.Logger
	thresholds models.HealthThresholds
	queueSize  int

	mu            sync.Mutex
	conn          *websocket.Conn
	pending       map[string]chan models.AgentMessage
	queue         []models.AgentMessage
	dropped       int
	lastHeartbeat time.Time
	reconnects    int
	closed        bool

	// onHeartbeat fires outside the lock after every heartbeat frame.
	onHeartbeat func(hb models.HeartbeatPayload, at time.Time)
}

// NewChannel creates a channel in the offline state.
func NewChannel(companyID, agentID, connectionID string, thresholds models.HealthThresholds, queueSize int, logger *events.Logger) *Channel {
	return &Channel{
		CompanyID:    companyID,
		AgentID:      agentID,
		ConnectionID: connectionID,
		logger: logger.WithFields(map[string]interface{}{
			"component":  "agent_channel",
			"company_id": companyID,
			"agent_id":   agentID,
		}),
		thresholds: thresholds,
		queueSize:  queueSize,
		pending:    map[string]chan models.AgentMessage{},
	}
}

// OnHeartbeat registers the heartbeat callback.
func (c *Channel) OnHeartbeat(fn func(hb models.HeartbeatPayload, at time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHeartbeat = fn
}

// Attach binds a live websocket connection and flushes the offline queue in
// original order. Safe to call again after a reconnect.
func (c *Channel) Attach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.reconnects++
	}
	c.conn = conn
	c.lastHeartbeat = time.Now().UTC()
	backlog := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, msg := range backlog {
		if err := c.write(msg); err != nil {
			c.logger.WithError(err).Warn("Replay of queued message failed")
			break
		}
	}

	if len(backlog) > 0 {
		c.logger.WithField("replayed", len(backlog)).Info("Flushed offline queue")
	}

	go c.readLoop(conn)
}

// Detach marks the channel offline without discarding queued messages.
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close shuts the channel down permanently.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Online reports whether a live connection is attached.
func (c *Channel) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// LastHeartbeat returns the last heartbeat timestamp.
func (c *Channel) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Reconnects returns the reconnect counter.
func (c *Channel) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// HealthAt derives health purely from elapsed time since the last heartbeat,
// so it is reproducible from stored state.
func (c *Channel) HealthAt(now time.Time) models.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return models.HealthDisconnected
	}
	return c.thresholds.HealthAt(c.lastHeartbeat, now)
}

// Push sends a frame if online, otherwise queues it for replay on reconnect.
// The queue is bounded; once full the oldest message is dropped.
func (c *Channel) Push(msg models.AgentMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn == nil {
		if len(c.queue) >= c.queueSize {
			c.queue = c.queue[1:]
			c.dropped++
		}
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.logger.WithError(err).Warn("Push failed, queueing message")
		c.mu.Lock()
		if len(c.queue) >= c.queueSize {
			c.queue = c.queue[1:]
			c.dropped++
		}
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
	}
}

// QueueDepth returns the number of queued offline messages and how many were
// dropped to stay within bounds.
func (c *Channel) QueueDepth() (queued, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue), c.dropped
}

// Queued returns a copy of the pending offline messages, oldest first.
func (c *Channel) Queued() []models.AgentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.AgentMessage, len(c.queue))
	copy(out, c.queue)
	return out
}

// Request sends a sync_request and waits for the matching sync_response. An
// offline channel fails fast with ErrAgentOffline; the sync record's backoff
// budget owns the waiting, not this call.
func (c *Channel) Request(ctx context.Context, msg models.AgentMessage) (models.AgentMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.AgentMessage{}, models.ErrChannelClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return models.AgentMessage{}, models.ErrAgentOffline
	}
	respCh := make(chan models.AgentMessage, 1)
	c.pending[msg.ID] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return models.AgentMessage{}, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return models.AgentMessage{}, models.ErrChannelClosed
		}
		return resp, nil
	case <-ctx.Done():
		return models.AgentMessage{}, ctx.Err()
	}
}

// write serializes one frame. gorilla connections allow one concurrent
// writer, so all writes funnel through here under the lock.
func (c *Channel) write(msg models.AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return models.ErrAgentOffline
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes frames until the connection drops. A dropped connection
// detaches the channel; queued messages survive for the next Attach.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Agent connection dropped")
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		msg, err := models.ParseAgentMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("Discarding malformed agent frame")
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg models.AgentMessage) {
	switch msg.Type {
	case models.MsgSyncResponse:
		c.mu.Lock()
		respCh, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.WithField("correlation_id", msg.ID).Debug("Unmatched sync_response")
			return
		}
		respCh <- msg

	case models.MsgHeartbeat:
		now := time.Now().UTC()
		var hb models.HeartbeatPayload
		_ = json.Unmarshal(msg.Payload, &hb)

		c.mu.Lock()
		c.lastHeartbeat = now
		c.reconnects = 0
		fn := c.onHeartbeat
		c.mu.Unlock()

		if fn != nil {
			fn(hb, now)
		}

	case models.MsgLog:
		var entry models.AgentLogPayload
		if err := json.Unmarshal(msg.Payload, &entry); err != nil {
			return
		}
		logger := c.logger.WithField("agent_log", true)
		switch entry.Level {
		case "error":
			logger.Error(entry.Message)
		case "warn":
			logger.Warn(entry.Message)
		default:
			logger.Info(entry.Message)
		}

	default:
		c.logger.WithField("type", msg.Type).Debug("Ignoring agent frame")
	}
}
