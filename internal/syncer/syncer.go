// Package syncer runs the sync engine: it owns the queue discipline, the
// retry budget, conflict handling, and the worker pool that drains claims.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tallybridge/tallysync/internal/conflict"
	"github.com/tallybridge/tallysync/internal/config"
	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
	"github.com/tallybridge/tallysync/internal/translator"
	"github.com/tallybridge/tallysync/internal/transport"
)

// Store is the persistence surface the orchestrator drives.
type Store interface {
	CreateSyncRecord(ctx context.Context, rec *models.SyncRecord) error
	ClaimNext(ctx context.Context, companyID string, now time.Time) (*models.SyncRecord, error)
	MarkCompleted(ctx context.Context, id, externalID, fingerprint string) error
	MarkFailed(ctx context.Context, id, code, msg, detail string, nextEligibleAt time.Time) error
	MarkFailedTerminal(ctx context.Context, id, code, msg, detail string) error
	ReleaseToPending(ctx context.Context, id string) error
	GetSyncRecord(ctx context.Context, id string) (*models.SyncRecord, error)
	ListSyncRecords(ctx context.Context, companyID string, f models.LogFilter) ([]models.SyncRecord, error)
	Statistics(ctx context.Context, companyID string) (models.SyncStatistics, error)
	LastSyncedFingerprint(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (string, time.Time, error)
	LatestResolution(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (time.Time, error)
	RequeueStale(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error)
	PruneSyncRecords(ctx context.Context, retention time.Duration, now time.Time) (int64, error)

	CreateConflict(ctx context.Context, rec *models.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error)
	OpenConflict(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context, companyID string, state models.ResolutionState) ([]models.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, resolution models.Resolution, at time.Time) error

	GetSettings(ctx context.Context, companyID string) (models.SyncSettings, error)
	ListConnections(ctx context.Context, companyID string) ([]models.ConnectionRecord, error)
	Companies(ctx context.Context) ([]string, error)
}

// EntitySource is the engine's read/write contract with the business entity
// stores. The engine never owns entity state; it reads snapshots and applies
// inbound external state back.
type EntitySource interface {
	Snapshot(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (*models.EntitySnapshot, error)
	Apply(ctx context.Context, snapshot *models.EntitySnapshot) error
	List(ctx context.Context, companyID string, entityType models.EntityType) ([]string, error)
}

// TransportSelector yields candidate transports for a company in preference
// order.
type TransportSelector interface {
	Transports(companyID string) []transport.Transport
}

// Orchestrator coordinates claims, transports, translation, and conflicts.
type Orchestrator struct {
	store    Store
	source   EntitySource
	selector TransportSelector
	trans    translator.Translator
	detector *conflict.Detector
	resolver *conflict.Resolver
	cfg      config.SyncConfig
	logger   *events.Logger

	now func() time.Time
}

// New creates an orchestrator.
func New(store Store, source EntitySource, selector TransportSelector, trans translator.Translator, cfg config.SyncConfig, logger *events.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		source:   source,
		selector: selector,
		trans:    trans,
		detector: conflict.NewDetector(trans, logger),
		resolver: conflict.NewResolver(trans, logger),
		cfg:      cfg,
		logger:   logger.WithField("component", "syncer"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates or reuses a pending sync record for one entity. The
// per-company retry budget comes from settings. Only an entity mid-flight in
// syncing fails with ErrDuplicateActiveSync.
func (o *Orchestrator) Enqueue(ctx context.Context, companyID string, entityType models.EntityType, entityID string, direction models.Direction, priority models.Priority) (*models.SyncRecord, error) {
	if companyID == "" || entityID == "" {
		return nil, fmt.Errorf("company id and entity id are required")
	}

	settings, err := o.store.GetSettings(ctx, companyID)
	if err != nil {
		return nil, err
	}

	rec := &models.SyncRecord{
		CompanyID:   companyID,
		Type:        entityType,
		EntityID:    entityID,
		Direction:   direction,
		Priority:    priority,
		MaxAttempts: settings.MaxAttempts,
	}
	if err := o.store.CreateSyncRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FullSync enqueues every entity of the enabled types for a company. Entities
// with a pending record reuse it; entities mid-flight in syncing are skipped,
// not errors.
func (o *Orchestrator) FullSync(ctx context.Context, companyID string, priority models.Priority) (int, error) {
	settings, err := o.store.GetSettings(ctx, companyID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, entityType := range settings.Entities.Types() {
		ids, err := o.source.List(ctx, companyID, entityType)
		if err != nil {
			return queued, fmt.Errorf("list %s entities: %w", entityType, err)
		}
		for _, id := range ids {
			_, err := o.Enqueue(ctx, companyID, entityType, id, models.DirectionToExternal, priority)
			if errors.Is(err, models.ErrDuplicateActiveSync) {
				continue
			}
			if err != nil {
				return queued, err
			}
			queued++
		}
	}

	o.logger.WithFields(map[string]interface{}{
		"company_id": companyID,
		"queued":     queued,
	}).Info("Full sync queued")
	return queued, nil
}

// CycleStats summarizes one RunCycle.
type CycleStats struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// RunCycle drains up to the batch limit of eligible records through the
// worker pool. Empty companyID processes all companies.
func (o *Orchestrator) RunCycle(ctx context.Context, companyID string) (CycleStats, error) {
	var stats CycleStats

	if _, err := o.store.RequeueStale(ctx, o.cfg.StaleClaim, o.now()); err != nil {
		return stats, err
	}

	type outcome struct {
		completed bool
		conflict  bool
	}

	work := make(chan *models.SyncRecord)
	results := make(chan outcome)

	workers := o.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				completed, conflicted := o.process(ctx, rec)
				results <- outcome{completed: completed, conflict: conflicted}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(work)
		for stats.Claimed < o.cfg.CycleBatchSize {
			rec, err := o.store.ClaimNext(ctx, companyID, o.now())
			if errors.Is(err, models.ErrQueueEmpty) {
				return
			}
			if err != nil {
				o.logger.WithError(err).Error("Claim failed")
				return
			}
			stats.Claimed++
			select {
			case work <- rec:
			case <-ctx.Done():
				// Put the unprocessed claim back.
				if relErr := o.store.ReleaseToPending(context.Background(), rec.ID); relErr != nil {
					o.logger.WithError(relErr).Warn("Failed to release claimed record")
				}
				return
			}
		}
	}()

	for res := range results {
		switch {
		case res.conflict:
			stats.Conflicts++
		case res.completed:
			stats.Completed++
		default:
			stats.Failed++
		}
	}
	return stats, ctx.Err()
}

// process executes one claimed record end to end. Returns (completed,
// conflicted).
func (o *Orchestrator) process(ctx context.Context, rec *models.SyncRecord) (bool, bool) {
	logger := o.logger.WithFields(map[string]interface{}{
		"record_id":   rec.ID,
		"company_id":  rec.CompanyID,
		"entity_type": rec.Type,
		"entity_id":   rec.EntityID,
		"direction":   rec.Direction,
		"attempt":     rec.Attempts + 1,
	})

	var err error
	switch rec.Direction {
	case models.DirectionFromExternal:
		err = o.pull(ctx, rec)
	default:
		err = o.push(ctx, rec)
	}

	if err == nil {
		logger.Info("Sync completed")
		return true, false
	}
	if errors.Is(err, models.ErrConflictPending) {
		logger.Warn("Sync blocked by conflict")
		return false, true
	}
	if models.Classify(err) == models.ClassConflict {
		o.blockOnDuplicate(ctx, rec, err, logger)
		return false, true
	}

	o.recordFailure(ctx, rec, err, logger)
	return false, false
}

// blockOnDuplicate handles the external system rejecting a create because an
// entity with the same key already exists there. The engine must not pick a
// side: the rejection becomes a duplicate_key conflict and the record parks
// behind it until resolved.
func (o *Orchestrator) blockOnDuplicate(ctx context.Context, rec *models.SyncRecord, cause error, logger *events.Logger) {
	if _, err := o.store.OpenConflict(ctx, rec.CompanyID, rec.Type, rec.EntityID); err != nil {
		confRec := &models.ConflictRecord{
			CompanyID: rec.CompanyID,
			Type:      rec.Type,
			EntityID:  rec.EntityID,
			Kind:      models.ConflictDuplicateKey,
		}
		if local, snapErr := o.source.Snapshot(ctx, rec.CompanyID, rec.Type, rec.EntityID); snapErr == nil && local != nil {
			confRec.LocalFingerprint = o.trans.Fingerprint(local)
			confRec.LocalSnapshot, _ = json.Marshal(local)
		}
		if lastSynced, _, fpErr := o.store.LastSyncedFingerprint(ctx, rec.CompanyID, rec.Type, rec.EntityID); fpErr == nil {
			confRec.LastSyncedFingerprint = lastSynced
		}
		if createErr := o.store.CreateConflict(ctx, confRec); createErr != nil && !errors.Is(createErr, models.ErrConflictPending) {
			logger.WithError(createErr).Error("Failed to record duplicate key conflict")
		}
	}
	if relErr := o.store.ReleaseToPending(ctx, rec.ID); relErr != nil {
		logger.WithError(relErr).Warn("Failed to release conflicted record")
	}
	logger.WithError(cause).Warn("External system reported a duplicate, conflict recorded")
}

// push sends the local snapshot to the external system. Bidirectional
// records follow the push path; their conflict pre-check covers the inbound
// side.
func (o *Orchestrator) push(ctx context.Context, rec *models.SyncRecord) error {
	local, err := o.source.Snapshot(ctx, rec.CompanyID, rec.Type, rec.EntityID)
	if err != nil {
		return fmt.Errorf("read local snapshot: %w", err)
	}

	payload, err := o.trans.ToExternal(local)
	if err != nil {
		return err
	}

	// An already-synced entity gets a conflict pre-check against the
	// external side before it is overwritten.
	lastSynced, syncedAt, err := o.store.LastSyncedFingerprint(ctx, rec.CompanyID, rec.Type, rec.EntityID)
	if err != nil {
		return err
	}
	if lastSynced != "" && !o.recentlyResolved(ctx, rec, syncedAt) {
		external, fetchErr := o.fetchExternal(ctx, rec)
		if fetchErr == nil && external != nil {
			if blocked, confErr := o.checkConflict(ctx, rec, local, external, lastSynced); blocked {
				return confErr
			}
		}
		// A failed pre-fetch is not fatal; the import itself will surface
		// real transport problems.
	}

	resp, err := o.send(ctx, rec, payload)
	if err != nil {
		return err
	}

	result, err := o.trans.ParseResponse(resp.Body)
	if err != nil {
		return err
	}

	externalID := result.ExternalID
	if externalID == "" {
		externalID = rec.ExternalID
	}
	return o.store.MarkCompleted(ctx, rec.ID, externalID, o.trans.Fingerprint(local))
}

// pull fetches the external state and applies it locally.
func (o *Orchestrator) pull(ctx context.Context, rec *models.SyncRecord) error {
	external, err := o.fetchExternal(ctx, rec)
	if err != nil {
		return err
	}

	local, err := o.source.Snapshot(ctx, rec.CompanyID, rec.Type, rec.EntityID)
	if err == nil && local != nil {
		lastSynced, syncedAt, fpErr := o.store.LastSyncedFingerprint(ctx, rec.CompanyID, rec.Type, rec.EntityID)
		if fpErr != nil {
			return fpErr
		}
		if lastSynced != "" && !o.recentlyResolved(ctx, rec, syncedAt) {
			if blocked, confErr := o.checkConflict(ctx, rec, local, external, lastSynced); blocked {
				return confErr
			}
		}
	}

	if err := o.source.Apply(ctx, external); err != nil {
		return fmt.Errorf("apply external snapshot: %w", err)
	}
	return o.store.MarkCompleted(ctx, rec.ID, rec.ExternalID, o.trans.Fingerprint(external))
}

// fetchExternal asks the external system for its current state of the
// record's entity.
func (o *Orchestrator) fetchExternal(ctx context.Context, rec *models.SyncRecord) (*models.EntitySnapshot, error) {
	payload, err := o.trans.ExportRequest(rec.Type, rec.CompanyID, rec.EntityID)
	if err != nil {
		return nil, err
	}

	resp, err := o.send(ctx, rec, payload)
	if err != nil {
		return nil, err
	}
	return o.trans.FromExternal(rec.Type, rec.CompanyID, resp.Body)
}

// recentlyResolved reports whether a conflict for the record's entity was
// settled after its last successful sync. The follow-up sync that propagates
// a resolution winner must not re-detect the conflict it settles.
func (o *Orchestrator) recentlyResolved(ctx context.Context, rec *models.SyncRecord, syncedAt time.Time) bool {
	resolvedAt, err := o.store.LatestResolution(ctx, rec.CompanyID, rec.Type, rec.EntityID)
	if err != nil {
		o.logger.WithError(err).Warn("Failed to query resolution history")
		return false
	}
	return !resolvedAt.IsZero() && resolvedAt.After(syncedAt)
}

// checkConflict runs detection and, when a conflict is found, either settles
// it per the company policy or records it and blocks the entity. Returns
// blocked=true with ErrConflictPending when the record must stop.
func (o *Orchestrator) checkConflict(ctx context.Context, rec *models.SyncRecord, local, external *models.EntitySnapshot, lastSynced string) (bool, error) {
	confRec, found := o.detector.Detect(conflict.Observation{
		Local:      local,
		External:   external,
		LastSynced: lastSynced,
	})
	if !found {
		return false, nil
	}

	settings, err := o.store.GetSettings(ctx, rec.CompanyID)
	if err != nil {
		return true, err
	}

	if resolution, auto := conflict.PolicyResolution(settings.Policy); auto {
		outcome, resErr := o.resolver.Resolve(confRec, resolution, nil)
		if resErr == nil {
			o.logger.WithFields(map[string]interface{}{
				"company_id":  rec.CompanyID,
				"entity_id":   rec.EntityID,
				"resolution":  resolution,
				"entity_type": rec.Type,
			}).Info("Conflict auto-resolved by policy")
			if outcome.Direction == models.DirectionFromExternal {
				if applyErr := o.source.Apply(ctx, outcome.Winner); applyErr != nil {
					return true, applyErr
				}
				return true, o.completeWith(ctx, rec, outcome.Winner)
			}
			if rec.Direction == models.DirectionFromExternal {
				// Local wins over a pull: the local state stands and a
				// follow-up push propagates it outward.
				if compErr := o.completeWith(ctx, rec, outcome.Winner); compErr != nil {
					return true, compErr
				}
				if _, enqErr := o.Enqueue(ctx, rec.CompanyID, rec.Type, rec.EntityID, models.DirectionToExternal, models.PriorityHigh); enqErr != nil && !errors.Is(enqErr, models.ErrDuplicateActiveSync) {
					return true, enqErr
				}
				return true, nil
			}
			// Local wins on a push: proceed with the send.
			return false, nil
		}
		o.logger.WithError(resErr).Warn("Policy resolution failed, recording conflict")
	}

	if err := o.store.CreateConflict(ctx, confRec); err != nil && !errors.Is(err, models.ErrConflictPending) {
		return true, err
	}
	if err := o.store.ReleaseToPending(ctx, rec.ID); err != nil {
		o.logger.WithError(err).Warn("Failed to release conflicted record")
	}
	return true, models.ErrConflictPending
}

// completeWith finishes a record whose winning state was applied locally.
func (o *Orchestrator) completeWith(ctx context.Context, rec *models.SyncRecord, winner *models.EntitySnapshot) error {
	if err := o.store.MarkCompleted(ctx, rec.ID, rec.ExternalID, o.trans.Fingerprint(winner)); err != nil {
		return err
	}
	return nil
}

// send walks the candidate transports in preference order and returns the
// first success. Only transient failures fall through to the next transport.
func (o *Orchestrator) send(ctx context.Context, rec *models.SyncRecord, payload *translator.Payload) (*transport.Response, error) {
	candidates := o.selector.Transports(rec.CompanyID)
	if len(candidates) == 0 {
		return nil, models.ErrNoTransport
	}

	req := &transport.Request{
		CompanyID:  payload.CompanyID,
		EntityType: payload.Type,
		EntityID:   payload.EntityID,
		Body:       payload.Body,
	}

	var lastErr error
	for _, tr := range candidates {
		resp, err := tr.Send(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if models.Classify(err) != models.ClassTransient {
			return nil, err
		}
		o.logger.WithError(err).WithField("transport", tr.Kind()).Warn("Transport failed, trying next")
	}
	return nil, lastErr
}

// recordFailure applies the error taxonomy: transient errors reschedule with
// exponential backoff, everything else is terminal.
func (o *Orchestrator) recordFailure(ctx context.Context, rec *models.SyncRecord, err error, logger *events.Logger) {
	code := models.Code(err)
	class := models.Classify(err)

	switch class {
	case models.ClassTransient:
		attempts := rec.Attempts + 1
		detail := ""
		if attempts >= rec.MaxAttempts {
			// The final failure surfaces as exhaustion; the underlying cause
			// moves to the detail field.
			detail = code
			code = models.ErrCodeExhausted
		}
		next := models.NextEligible(o.cfg.BaseDelay, o.cfg.BackoffCap, attempts, o.now())
		if markErr := o.store.MarkFailed(ctx, rec.ID, code, err.Error(), detail, next); markErr != nil {
			logger.WithError(markErr).Error("Failed to record failure")
			return
		}
		logger.WithError(err).WithFields(map[string]interface{}{
			"error_code": code,
			"retry_at":   next.Format(time.RFC3339),
		}).Warn("Sync attempt failed")

	default:
		if markErr := o.store.MarkFailedTerminal(ctx, rec.ID, code, err.Error(), ""); markErr != nil {
			logger.WithError(markErr).Error("Failed to record terminal failure")
			return
		}
		logger.WithError(err).WithField("error_code", code).Error("Sync failed terminally")
	}
}

// ResolveConflict settles a conflict chosen by an operator or automation and
// queues the follow-up sync that propagates the winner.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution, merged *models.EntitySnapshot) (*models.SyncRecord, error) {
	confRec, err := o.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if confRec.State != models.ConflictOpen {
		return nil, models.ErrConflictNotFound
	}

	outcome, err := o.resolver.Resolve(confRec, resolution, merged)
	if err != nil {
		return nil, err
	}

	if err := o.store.ResolveConflict(ctx, conflictID, resolution, o.now()); err != nil {
		return nil, err
	}

	if outcome.Direction == models.DirectionFromExternal {
		if err := o.source.Apply(ctx, outcome.Winner); err != nil {
			return nil, fmt.Errorf("apply winning snapshot: %w", err)
		}
	} else if resolution == models.ResolveMerged {
		if err := o.source.Apply(ctx, outcome.Winner); err != nil {
			return nil, fmt.Errorf("apply merged snapshot: %w", err)
		}
	}

	// The winner now travels as a fresh high priority record.
	rec, err := o.Enqueue(ctx, confRec.CompanyID, confRec.Type, confRec.EntityID, outcome.Direction, models.PriorityHigh)
	if errors.Is(err, models.ErrDuplicateActiveSync) {
		// The entity is mid-flight in syncing; that run will settle it now
		// that the conflict no longer blocks follow-ups.
		return nil, nil
	}
	return rec, err
}

// Status assembles the aggregate view for one company.
func (o *Orchestrator) Status(ctx context.Context, companyID string) (*models.SyncStatusReport, error) {
	stats, err := o.store.Statistics(ctx, companyID)
	if err != nil {
		return nil, err
	}
	conns, err := o.store.ListConnections(ctx, companyID)
	if err != nil {
		return nil, err
	}
	pending, err := o.store.ListSyncRecords(ctx, companyID, models.LogFilter{Status: models.StatusPending, Limit: 50})
	if err != nil {
		return nil, err
	}
	return &models.SyncStatusReport{
		CompanyID:    companyID,
		Statistics:   stats,
		Connections:  conns,
		PendingSyncs: pending,
	}, nil
}

// Logs returns the sync history narrowed by the filter.
func (o *Orchestrator) Logs(ctx context.Context, companyID string, f models.LogFilter) ([]models.SyncRecord, error) {
	return o.store.ListSyncRecords(ctx, companyID, f)
}

// Run drives automatic syncing: per-company interval cycles plus retention
// pruning, until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	lastCycle := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			return

		case <-prune.C:
			if n, err := o.store.PruneSyncRecords(ctx, o.cfg.Retention, o.now()); err != nil {
				o.logger.WithError(err).Warn("Retention pruning failed")
			} else if n > 0 {
				o.logger.WithField("pruned", n).Info("Pruned terminal sync records")
			}

		case <-ticker.C:
			companies, err := o.store.Companies(ctx)
			if err != nil {
				o.logger.WithError(err).Error("Failed to list companies")
				continue
			}
			now := o.now()
			for _, companyID := range companies {
				settings, err := o.store.GetSettings(ctx, companyID)
				if err != nil || !settings.AutoSync {
					continue
				}
				if now.Sub(lastCycle[companyID]) < settings.SyncInterval {
					continue
				}
				lastCycle[companyID] = now
				if _, err := o.RunCycle(ctx, companyID); err != nil && ctx.Err() == nil {
					o.logger.WithError(err).WithField("company_id", companyID).Error("Sync cycle failed")
				}
			}
		}
	}
}
