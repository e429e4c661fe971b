package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/tallybridge/tallysync/internal/config"
	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
	"github.com/tallybridge/tallysync/internal/transport"
)

// ConnectionStore is the slice of persistence the manager needs: connection
// records with their event trails, and agent token hashes for the upgrade
// handshake.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, rec *models.ConnectionRecord) error
	UpdateConnectionState(ctx context.Context, connectionID string, state models.ConnectionState, at time.Time) error
	RecordHeartbeat(ctx context.Context, connectionID string, at time.Time, remoteVersion, companyPath string) error
	AppendConnectionEvent(ctx context.Context, connectionID string, event models.ConnectionEvent) error
	AgentTokenHash(ctx context.Context, companyID, agentID string) (string, error)
}

// Manager owns the agent channel pool and picks the transport for each
// company: a live agent channel first, then direct HTTP, then raw TCP.
type Manager struct {
	store      ConnectionStore
	cfg        config.AgentConfig
	thresholds models.HealthThresholds
	logger     *events.Logger
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]map[string]*Channel // company id -> agent id

	// direct holds the fallback HTTP/TCP adapters, built once so connection
	// pooling survives across sends.
	direct []transport.Transport

	now func() time.Time
}

// NewManager creates a connection manager.
func NewManager(store ConnectionStore, cfg config.AgentConfig, tally config.TallyConfig, logger *events.Logger) *Manager {
	m := &Manager{
		store: store,
		cfg:   cfg,
		thresholds: models.HealthThresholds{
			Interval:     cfg.HeartbeatInterval,
			Warning:      cfg.WarningMissed,
			Unhealthy:    cfg.UnhealthyMissed,
			Disconnected: cfg.DisconnectedMissed,
		},
		logger: logger.WithField("component", "agent_manager"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		channels: map[string]map[string]*Channel{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	if tally.HTTPHost != "" {
		m.direct = append(m.direct, transport.NewHTTPAdapter(tally.HTTPHost, tally.HTTPPort, tally.Timeout, m.logger))
	}
	if tally.TCPHost != "" {
		m.direct = append(m.direct, transport.NewTCPAdapter(tally.TCPHost, tally.TCPPort, tally.Timeout, m.logger))
	}
	return m
}

// Channel returns the channel for an agent, or nil.
func (m *Manager) Channel(companyID, agentID string) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[companyID][agentID]
}

// Channels returns every channel for a company.
func (m *Manager) Channels(companyID string) []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.channels[companyID]))
	for _, ch := range m.channels[companyID] {
		out = append(out, ch)
	}
	return out
}

// bestChannel returns the healthiest usable channel for a company. Channels
// past the unhealthy threshold are not offered for new work.
func (m *Manager) bestChannel(companyID string, now time.Time) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Channel
	bestHealth := models.HealthUnhealthy
	for _, ch := range m.channels[companyID] {
		if !ch.Online() {
			continue
		}
		h := ch.HealthAt(now)
		if h < bestHealth {
			best = ch
			bestHealth = h
		}
	}
	return best
}

// Transports returns the candidate transports for a company in preference
// order. Callers walk the list until one send succeeds.
func (m *Manager) Transports(companyID string) []transport.Transport {
	var out []transport.Transport
	if ch := m.bestChannel(companyID, m.now()); ch != nil {
		out = append(out, transport.NewAgentAdapter(ch, m.cfg.RequestTimeout, m.logger))
	}
	return append(out, m.direct...)
}

// SelectTransport returns the preferred transport for a company, or
// ErrNoTransport when nothing is reachable even in principle.
func (m *Manager) SelectTransport(companyID string) (transport.Transport, error) {
	candidates := m.Transports(companyID)
	if len(candidates) == 0 {
		return nil, models.ErrNoTransport
	}
	return candidates[0], nil
}

// HandleAgent authenticates and upgrades an agent websocket. The agent
// identifies itself with X-Company-ID / X-Agent-ID headers and proves the
// enrollment with a bearer token checked against its bcrypt hash.
func (m *Manager) HandleAgent(w http.ResponseWriter, r *http.Request) {
	companyID := r.Header.Get("X-Company-ID")
	agentID := r.Header.Get("X-Agent-ID")
	if companyID == "" || agentID == "" {
		http.Error(w, "missing agent identity", http.StatusBadRequest)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	hash, err := m.store.AgentTokenHash(r.Context(), companyID, agentID)
	if err != nil {
		http.Error(w, "unknown agent", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		m.logger.WithFields(map[string]interface{}{
			"company_id": companyID,
			"agent_id":   agentID,
		}).Warn("Agent token rejected")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	if err := m.register(r.Context(), companyID, agentID, r.Header.Get("X-Agent-Version"), conn); err != nil {
		m.logger.WithError(err).Error("Failed to register agent connection")
		_ = conn.Close()
	}
}

// register attaches the connection to the channel pool and persists the
// connection record transition.
func (m *Manager) register(ctx context.Context, companyID, agentID, version string, conn *websocket.Conn) error {
	now := m.now()

	m.mu.Lock()
	byAgent := m.channels[companyID]
	if byAgent == nil {
		byAgent = map[string]*Channel{}
		m.channels[companyID] = byAgent
	}
	ch := byAgent[agentID]
	reconnect := ch != nil
	if ch == nil {
		ch = NewChannel(companyID, agentID, ulid.Make().String(), m.thresholds, m.cfg.QueueSize, m.logger)
		byAgent[agentID] = ch
	}
	m.mu.Unlock()

	connectionID := ch.ConnectionID
	ch.OnHeartbeat(func(hb models.HeartbeatPayload, at time.Time) {
		if err := m.store.RecordHeartbeat(context.Background(), connectionID, at, hb.RemoteVersion, hb.CompanyPath); err != nil {
			m.logger.WithError(err).Warn("Failed to persist heartbeat")
		}
	})

	rec := &models.ConnectionRecord{
		CompanyID:       companyID,
		AgentID:         agentID,
		ConnectionID:    connectionID,
		TransportKind:   "agent",
		RemoteVersion:   version,
		State:           models.ConnConnected,
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.UpsertConnection(ctx, rec); err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}

	kind := "connected"
	if reconnect {
		kind = "reconnected"
	}
	event := models.ConnectionEvent{Kind: kind, Detail: version, Timestamp: now}
	if err := m.store.AppendConnectionEvent(ctx, connectionID, event); err != nil {
		m.logger.WithError(err).Warn("Failed to record connection event")
	}

	ch.Attach(conn)

	m.logger.WithFields(map[string]interface{}{
		"company_id": companyID,
		"agent_id":   agentID,
		"event":      kind,
	}).Info("Agent connected")
	return nil
}

// Sweep recomputes every channel's health from heartbeat age and persists
// state transitions. Run on a ticker alongside the orchestrator.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.RLock()
	var all []*Channel
	for _, byAgent := range m.channels {
		for _, ch := range byAgent {
			all = append(all, ch)
		}
	}
	m.mu.RUnlock()

	for _, ch := range all {
		health := ch.HealthAt(now)
		state := health.ConnectionState()
		if health >= models.HealthDisconnected && ch.Online() {
			ch.Detach()
		}
		if err := m.store.UpdateConnectionState(ctx, ch.ConnectionID, state, now); err != nil {
			m.logger.WithError(err).Warn("Failed to persist connection state")
			continue
		}
		if health >= models.HealthUnhealthy {
			m.logger.WithFields(map[string]interface{}{
				"company_id": ch.CompanyID,
				"agent_id":   ch.AgentID,
				"health":     health.String(),
			}).Warn("Agent heartbeat overdue")
		}
	}
}

// Run drives periodic health sweeps until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.thresholds.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close shuts down every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byAgent := range m.channels {
		for _, ch := range byAgent {
			ch.Close()
		}
	}
	m.channels = map[string]map[string]*Channel{}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}
