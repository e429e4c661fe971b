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

const syncRecordColumns = `
    id, company_id, entity_type, entity_id, direction, status, priority,
    attempts, max_attempts, next_eligible_at, external_id, fingerprint,
    last_error_code, last_error_msg, last_error_detail, last_error_at,
    created_at, updated_at`

// priorityRank orders high before normal before low inside SQL.
const priorityRank = `CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END`

// CreateSyncRecord inserts a new pending record. A pending record already
// covering the entity key is reused: rec is overwritten with it and no error
// is returned. Only a record mid-flight in syncing fails with
// ErrDuplicateActiveSync.
func (s *Store) CreateSyncRecord(ctx context.Context, rec *models.SyncRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	now := s.now()
	rec.Status = models.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_records (
            id, company_id, entity_type, entity_id, direction, status,
            priority, attempts, max_attempts, external_id, fingerprint,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
    `, rec.ID, rec.CompanyID, rec.Type, rec.EntityID, rec.Direction,
		rec.Status, rec.Priority, rec.MaxAttempts, rec.ExternalID,
		rec.Fingerprint, rec.CreatedAt, rec.UpdatedAt)

	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			existing, lookErr := s.liveSyncRecord(ctx, rec.CompanyID, rec.Type, rec.EntityID)
			if lookErr != nil {
				return lookErr
			}
			if existing.Status != models.StatusPending {
				return models.ErrDuplicateActiveSync
			}
			*rec = *existing
			return nil
		}
		return fmt.Errorf("insert sync record: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"record_id":   rec.ID,
		"company_id":  rec.CompanyID,
		"entity_type": rec.Type,
		"entity_id":   rec.EntityID,
		"priority":    rec.Priority,
	}).Debug("Sync record queued")
	return nil
}

// liveSyncRecord loads the pending or syncing record covering an entity key.
func (s *Store) liveSyncRecord(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (*models.SyncRecord, error) {
	rec, err := scanSyncRecord(s.db.QueryRowContext(ctx, `
        SELECT ` + syncRecordColumns + ` FROM sync_records
        WHERE company_id = ? AND entity_type = ? AND entity_id = ?
          AND status IN ('pending', 'syncing')
        LIMIT 1
    `, companyID, entityType, entityID))
	if err == sql.ErrNoRows {
		// The live record vanished between the failed insert and this read.
		return nil, models.ErrDuplicateActiveSync
	}
	if err != nil {
		return nil, fmt.Errorf("query live sync record: %w", err)
	}
	return rec, nil
}

// ClaimNext atomically picks the next eligible record for a company and moves
// it to syncing. Ordering is priority rank, then enqueue time. Entities with
// an open conflict or an in-flight record are skipped. Empty companyID claims
// across all companies.
func (s *Store) ClaimNext(ctx context.Context, companyID string, now time.Time) (*models.SyncRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
        SELECT ` + syncRecordColumns + `
        FROM sync_records r
        WHERE (r.status = 'pending'
               OR (r.status = 'failed'
                   AND r.attempts < r.max_attempts
                   AND r.next_eligible_at <= ?))
          AND NOT EXISTS (
              SELECT 1 FROM sync_records live
              WHERE live.company_id = r.company_id
                AND live.entity_type = r.entity_type
                AND live.entity_id = r.entity_id
                AND live.status = 'syncing')
          AND NOT EXISTS (
              SELECT 1 FROM conflict_records c
              WHERE c.company_id = r.company_id
                AND c.entity_type = r.entity_type
                AND c.entity_id = r.entity_id
                AND c.state = 'open')`
	args := []interface{}{now}
	if companyID != "" {
		query += ` AND r.company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY ` + priorityRank + `, r.created_at, r.id LIMIT 1`

	rec, err := scanSyncRecord(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable record: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE sync_records
        SET status = 'syncing', updated_at = ?
        WHERE id = ? AND status IN ('pending', 'failed')
    `, now, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("claim record: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, models.ErrQueueEmpty
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	rec.Status = models.StatusSyncing
	rec.UpdatedAt = now
	return rec, nil
}

// MarkCompleted finishes a record, recording the external id and the
// fingerprint of the state that was pushed or pulled.
func (s *Store) MarkCompleted(ctx context.Context, id, externalID, fingerprint string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_records
        SET status = 'completed', external_id = ?, fingerprint = ?,
            last_error_code = '', last_error_msg = '', last_error_detail = '',
            updated_at = ?
        WHERE id = ? AND status = 'syncing'
    `, externalID, fingerprint, now, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// MarkFailed records a failed attempt. nextEligibleAt gates the retry; the
// record becomes terminal on its own once attempts reach the limit.
func (s *Store) MarkFailed(ctx context.Context, id, code, msg, detail string, nextEligibleAt time.Time) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_records
        SET status = 'failed', attempts = attempts + 1,
            next_eligible_at = ?,
            last_error_code = ?, last_error_msg = ?, last_error_detail = ?,
            last_error_at = ?, updated_at = ?
        WHERE id = ? AND status = 'syncing'
    `, nullTime(nextEligibleAt), code, msg, detail, now, now, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// MarkFailedTerminal fails a record and exhausts its attempt budget in one
// step, for errors that retrying cannot fix.
func (s *Store) MarkFailedTerminal(ctx context.Context, id, code, msg, detail string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_records
        SET status = 'failed', attempts = max_attempts,
            last_error_code = ?, last_error_msg = ?, last_error_detail = ?,
            last_error_at = ?, updated_at = ?
        WHERE id = ? AND status = 'syncing'
    `, code, msg, detail, now, now, id)
	if err != nil {
		return fmt.Errorf("mark failed terminal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// LastSyncedFingerprint returns the fingerprint recorded by the most recent
// completed sync of an entity and when it completed, or empty values when the
// entity never synced.
func (s *Store) LastSyncedFingerprint(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (string, time.Time, error) {
	var fp string
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
        SELECT fingerprint, updated_at FROM sync_records
        WHERE company_id = ? AND entity_type = ? AND entity_id = ?
          AND status = 'completed'
        ORDER BY updated_at DESC, id DESC
        LIMIT 1
    `, companyID, entityType, entityID).Scan(&fp, &at)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("query last synced fingerprint: %w", err)
	}
	return fp, at, nil
}

// Companies lists every company id known to the store.
func (s *Store) Companies(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT company_id FROM sync_settings
        UNION
        SELECT DISTINCT company_id FROM sync_records
        ORDER BY company_id
    `)
	if err != nil {
		return nil, fmt.Errorf("query companies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan company id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReleaseToPending returns a syncing record to the queue untouched, used when
// a claim cannot proceed for a reason that is not the record's fault.
func (s *Store) ReleaseToPending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_records
        SET status = 'pending', updated_at = ?
        WHERE id = ? AND status = 'syncing'
    `, s.now(), id)
	if err != nil {
		return fmt.Errorf("release record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// GetSyncRecord loads one record by id.
func (s *Store) GetSyncRecord(ctx context.Context, id string) (*models.SyncRecord, error) {
	rec, err := scanSyncRecord(s.db.QueryRowContext(ctx, `
        SELECT ` + syncRecordColumns + ` FROM sync_records WHERE id = ?
    `, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sync record: %w", err)
	}
	return rec, nil
}

// ListSyncRecords returns a company's records, newest first, narrowed by the
// filter.
func (s *Store) ListSyncRecords(ctx context.Context, companyID string, f models.LogFilter) ([]models.SyncRecord, error) {
	var conds []string
	var args []interface{}

	conds = append(conds, "company_id = ?")
	args = append(args, companyID)
	if f.Type != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.Type)
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, `
        SELECT `+syncRecordColumns+`
        FROM sync_records
        WHERE `+strings.Join(conds, " AND ")+`
        ORDER BY created_at DESC, id DESC
        LIMIT ? OFFSET ?
    `, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	var out []models.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Statistics aggregates record counts and open conflicts for a company.
func (s *Store) Statistics(ctx context.Context, companyID string) (models.SyncStatistics, error) {
	var stats models.SyncStatistics

	rows, err := s.db.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM sync_records
        WHERE company_id = ? GROUP BY status
    `, companyID)
	if err != nil {
		return stats, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan statistics: %w", err)
		}
		switch models.SyncStatus(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusSyncing:
			stats.Syncing = count
		case models.StatusCompleted:
			stats.Completed = count
		case models.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM conflict_records
        WHERE company_id = ? AND state = 'open'
    `, companyID).Scan(&stats.Conflicts)
	if err != nil {
		return stats, fmt.Errorf("count conflicts: %w", err)
	}
	return stats, nil
}

// RequeueStale returns records stuck in syncing past the cutoff to pending.
// Run at startup and periodically to recover from crashes mid-claim.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_records
        SET status = 'pending', updated_at = ?
        WHERE status = 'syncing' AND updated_at < ?
    `, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.WithField("count", n).Info("Requeued stale syncing records")
	}
	return n, nil
}

// PruneSyncRecords deletes terminal records older than the retention window.
func (s *Store) PruneSyncRecords(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM sync_records
        WHERE updated_at < ?
          AND (status = 'completed'
               OR (status = 'failed' AND attempts >= max_attempts))
    `, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune sync records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncRecord(row rowScanner) (*models.SyncRecord, error) {
	var rec models.SyncRecord
	var nextEligible, lastErrorAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.CompanyID, &rec.Type, &rec.EntityID, &rec.Direction,
		&rec.Status, &rec.Priority, &rec.Attempts, &rec.MaxAttempts,
		&nextEligible, &rec.ExternalID, &rec.Fingerprint,
		&rec.LastErrorCode, &rec.LastErrorMsg, &rec.LastErrorDetail,
		&lastErrorAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if nextEligible.Valid {
		rec.NextEligibleAt = nextEligible.Time
	}
	if lastErrorAt.Valid {
		rec.LastErrorAt = lastErrorAt.Time
	}
	return &rec, nil
}
