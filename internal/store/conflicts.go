package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/tallybridge/tallysync/internal/models"
)

const conflictColumns = `
    id, company_id, entity_type, entity_id, kind,
    local_fingerprint, external_fingerprint, last_synced_fingerprint,
    local_snapshot, external_snapshot, state, resolution,
    created_at, resolved_at`

// CreateConflict records a newly detected conflict. Only one open conflict
// may exist per entity key; a second detection fails with ErrConflictPending.
func (s *Store) CreateConflict(ctx context.Context, rec *models.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	rec.State = models.ConflictOpen
	rec.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conflict_records (
            id, company_id, entity_type, entity_id, kind,
            local_fingerprint, external_fingerprint, last_synced_fingerprint,
            local_snapshot, external_snapshot, state, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.ID, rec.CompanyID, rec.Type, rec.EntityID, rec.Kind,
		rec.LocalFingerprint, rec.ExternalFingerprint, rec.LastSyncedFingerprint,
		rec.LocalSnapshot, rec.ExternalSnapshot, rec.State, rec.CreatedAt)

	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.ErrConflictPending
		}
		return fmt.Errorf("insert conflict: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"conflict_id": rec.ID,
		"company_id":  rec.CompanyID,
		"entity_type": rec.Type,
		"entity_id":   rec.EntityID,
		"kind":        rec.Kind,
	}).Warn("Conflict detected")
	return nil
}

// GetConflict loads one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	rec, err := scanConflict(s.db.QueryRowContext(ctx, `
        SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?
    `, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conflict: %w", err)
	}
	return rec, nil
}

// OpenConflict returns the open conflict for an entity key, if any.
func (s *Store) OpenConflict(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (*models.ConflictRecord, error) {
	rec, err := scanConflict(s.db.QueryRowContext(ctx, `
        SELECT `+conflictColumns+` FROM conflict_records
        WHERE company_id = ? AND entity_type = ? AND entity_id = ? AND state = 'open'
    `, companyID, entityType, entityID))
	if err == sql.ErrNoRows {
		return nil, models.ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open conflict: %w", err)
	}
	return rec, nil
}

// ListConflicts returns a company's conflicts, optionally narrowed to one
// state, newest first.
func (s *Store) ListConflicts(ctx context.Context, companyID string, state models.ResolutionState) ([]models.ConflictRecord, error) {
	conds := []string{"company_id = ?"}
	args := []interface{}{companyID}
	if state != "" {
		conds = append(conds, "state = ?")
		args = append(args, state)
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT `+conflictColumns+`
        FROM conflict_records
        WHERE `+strings.Join(conds, " AND ")+`
        ORDER BY created_at DESC, id DESC
    `, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// LatestResolution returns when an entity's most recent conflict was
// resolved, or the zero time when none ever was.
func (s *Store) LatestResolution(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
        SELECT resolved_at FROM conflict_records
        WHERE company_id = ? AND entity_type = ? AND entity_id = ?
          AND state = 'resolved'
        ORDER BY resolved_at DESC
        LIMIT 1
    `, companyID, entityType, entityID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest resolution: %w", err)
	}
	return at, nil
}

// ResolveConflict closes an open conflict with the chosen resolution. A
// conflict that is missing or already resolved fails with
// ErrConflictNotFound.
func (s *Store) ResolveConflict(ctx context.Context, id string, resolution models.Resolution, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE conflict_records
        SET state = 'resolved', resolution = ?, resolved_at = ?
        WHERE id = ? AND state = 'open'
    `, resolution, at, id)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConflictNotFound
	}
	return nil
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	var resolvedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.CompanyID, &rec.Type, &rec.EntityID, &rec.Kind,
		&rec.LocalFingerprint, &rec.ExternalFingerprint, &rec.LastSyncedFingerprint,
		&rec.LocalSnapshot, &rec.ExternalSnapshot, &rec.State, &rec.Resolution,
		&rec.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Time
	}
	return &rec, nil
}
