package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tallybridge/tallysync/internal/models"
)

// UpsertConnection inserts or refreshes the record for one agent endpoint.
// The connection id is stable across reconnects of the same agent.
func (s *Store) UpsertConnection(ctx context.Context, rec *models.ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO connection_records (
            connection_id, company_id, agent_id, transport_kind,
            remote_version, company_path, state, last_heartbeat_at,
            reconnect_attempts, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(company_id, agent_id) DO UPDATE SET
            connection_id = excluded.connection_id,
            transport_kind = excluded.transport_kind,
            remote_version = excluded.remote_version,
            state = excluded.state,
            last_heartbeat_at = excluded.last_heartbeat_at,
            updated_at = excluded.updated_at
    `, rec.ConnectionID, rec.CompanyID, rec.AgentID, rec.TransportKind,
		rec.RemoteVersion, rec.CompanyPath, rec.State,
		nullTime(rec.LastHeartbeatAt), rec.ReconnectAttempts,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// UpdateConnectionState persists a derived state transition.
func (s *Store) UpdateConnectionState(ctx context.Context, connectionID string, state models.ConnectionState, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE connection_records
        SET state = ?, updated_at = ?
        WHERE connection_id = ?
    `, state, at, connectionID)
	if err != nil {
		return fmt.Errorf("update connection state: %w", err)
	}
	return nil
}

// RecordHeartbeat stores a heartbeat arrival. A heartbeat always restores the
// connected state.
func (s *Store) RecordHeartbeat(ctx context.Context, connectionID string, at time.Time, remoteVersion, companyPath string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE connection_records
        SET last_heartbeat_at = ?, state = 'connected',
            remote_version = CASE WHEN ? != '' THEN ? ELSE remote_version END,
            company_path = CASE WHEN ? != '' THEN ? ELSE company_path END,
            updated_at = ?
        WHERE connection_id = ?
    `, at, remoteVersion, remoteVersion, companyPath, companyPath, at, connectionID)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// AppendConnectionEvent adds one entry to the connection's event trail.
func (s *Store) AppendConnectionEvent(ctx context.Context, connectionID string, event models.ConnectionEvent) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO connection_events (connection_id, kind, detail, created_at)
        VALUES (?, ?, ?, ?)
    `, connectionID, event.Kind, event.Detail, event.Timestamp)
	if err != nil {
		return fmt.Errorf("append connection event: %w", err)
	}
	return nil
}

// ListConnections returns a company's connection records with their most
// recent events, newest event first.
func (s *Store) ListConnections(ctx context.Context, companyID string) ([]models.ConnectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT connection_id, company_id, agent_id, transport_kind,
               remote_version, company_path, state, last_heartbeat_at,
               reconnect_attempts, created_at, updated_at
        FROM connection_records
        WHERE company_id = ?
        ORDER BY agent_id
    `, companyID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []models.ConnectionRecord
	for rows.Next() {
		var rec models.ConnectionRecord
		var heartbeat sql.NullTime
		err := rows.Scan(
			&rec.ConnectionID, &rec.CompanyID, &rec.AgentID,
			&rec.TransportKind, &rec.RemoteVersion, &rec.CompanyPath,
			&rec.State, &heartbeat, &rec.ReconnectAttempts,
			&rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		if heartbeat.Valid {
			rec.LastHeartbeatAt = heartbeat.Time
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		events, err := s.connectionEvents(ctx, out[i].ConnectionID, 20)
		if err != nil {
			return nil, err
		}
		out[i].Events = events
	}
	return out, nil
}

func (s *Store) connectionEvents(ctx context.Context, connectionID string, limit int) ([]models.ConnectionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT kind, detail, created_at
        FROM connection_events
        WHERE connection_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?
    `, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query connection events: %w", err)
	}
	defer rows.Close()

	var out []models.ConnectionEvent
	for rows.Next() {
		var ev models.ConnectionEvent
		if err := rows.Scan(&ev.Kind, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan connection event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RegisterAgentToken stores the bcrypt hash for an agent enrollment,
// replacing any previous token.
func (s *Store) RegisterAgentToken(ctx context.Context, companyID, agentID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO agent_tokens (company_id, agent_id, token_hash, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(company_id, agent_id) DO UPDATE SET
            token_hash = excluded.token_hash,
            created_at = excluded.created_at
    `, companyID, agentID, tokenHash, s.now())
	if err != nil {
		return fmt.Errorf("register agent token: %w", err)
	}
	return nil
}

// AgentTokenHash returns the stored bcrypt hash for an agent.
func (s *Store) AgentTokenHash(ctx context.Context, companyID, agentID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
        SELECT token_hash FROM agent_tokens
        WHERE company_id = ? AND agent_id = ?
    `, companyID, agentID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", models.ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("query agent token: %w", err)
	}
	return hash, nil
}
