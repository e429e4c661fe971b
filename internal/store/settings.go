package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tallybridge/tallysync/internal/models"
)

// GetSettings returns the stored settings for a company, or the defaults when
// nothing was ever saved.
func (s *Store) GetSettings(ctx context.Context, companyID string) (models.SyncSettings, error) {
	var (
		settings  models.SyncSettings
		autoSync  int
		interval  int64
		vouchers  int
		items     int
		parties   int
		baseDelay int64
	)

	err := s.db.QueryRowContext(ctx, `
        SELECT company_id, auto_sync, sync_interval_s, vouchers, items,
               parties, conflict_policy, max_attempts, base_delay_s, updated_at
        FROM sync_settings
        WHERE company_id = ?
    `, companyID).Scan(
		&settings.CompanyID, &autoSync, &interval, &vouchers, &items,
		&parties, &settings.Policy, &settings.MaxAttempts, &baseDelay,
		&settings.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return models.DefaultSyncSettings(companyID), nil
	}
	if err != nil {
		return settings, fmt.Errorf("query settings: %w", err)
	}

	settings.AutoSync = autoSync != 0
	settings.SyncInterval = time.Duration(interval) * time.Second
	settings.Entities = models.EntityToggles{
		Vouchers: vouchers != 0,
		Items:    items != 0,
		Parties:  parties != 0,
	}
	settings.BaseDelay = time.Duration(baseDelay) * time.Second
	return settings, nil
}

// PutSettings validates and stores per-company settings.
func (s *Store) PutSettings(ctx context.Context, settings models.SyncSettings) error {
	if _, err := models.ParseConflictPolicy(string(settings.Policy)); err != nil {
		return err
	}
	if settings.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if settings.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if settings.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_settings (
            company_id, auto_sync, sync_interval_s, vouchers, items, parties,
            conflict_policy, max_attempts, base_delay_s, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(company_id) DO UPDATE SET
            auto_sync = excluded.auto_sync,
            sync_interval_s = excluded.sync_interval_s,
            vouchers = excluded.vouchers,
            items = excluded.items,
            parties = excluded.parties,
            conflict_policy = excluded.conflict_policy,
            max_attempts = excluded.max_attempts,
            base_delay_s = excluded.base_delay_s,
            updated_at = excluded.updated_at
    `, settings.CompanyID, boolInt(settings.AutoSync),
		int64(settings.SyncInterval/time.Second),
		boolInt(settings.Entities.Vouchers), boolInt(settings.Entities.Items),
		boolInt(settings.Entities.Parties), settings.Policy,
		settings.MaxAttempts, int64(settings.BaseDelay/time.Second), s.now())
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
