// Package conflict detects dual mutations of one entity and settles them
// according to the configured policy.
package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
	"github.com/tallybridge/tallysync/internal/translator"
)

// Observation carries the three fingerprints a detection compares: the local
// snapshot, the external snapshot, and the state recorded at last successful
// sync.
type Observation struct {
	Local      *models.EntitySnapshot
	External   *models.EntitySnapshot
	LastSynced string
}

// Detector applies the divergence rule and classifies the result.
type Detector struct {
	trans  translator.Translator
	logger *events.Logger
}

// NewDetector creates a conflict detector.
func NewDetector(trans translator.Translator, logger *events.Logger) *Detector {
	return &Detector{
		trans:  trans,
		logger: logger.WithField("component", "conflict_detector"),
	}
}

// Detect reports whether both sides diverged from the last synced state. A
// one-sided change is normal sync work, not a conflict: the unchanged side
// still matches the recorded fingerprint. Dual edits conflict even when both
// sides landed on the same value; settling them needs a policy or operator
// decision like any other dual mutation.
func (d *Detector) Detect(obs Observation) (*models.ConflictRecord, bool) {
	localFP := d.fingerprint(obs.Local)
	externalFP := d.fingerprint(obs.External)

	if localFP == obs.LastSynced || externalFP == obs.LastSynced {
		return nil, false
	}

	rec := &models.ConflictRecord{
		Kind:                  models.ConflictDataMismatch,
		LocalFingerprint:      localFP,
		ExternalFingerprint:   externalFP,
		LastSyncedFingerprint: obs.LastSynced,
	}

	localDeleted := obs.Local != nil && obs.Local.Deleted
	externalDeleted := obs.External != nil && obs.External.Deleted
	if localDeleted != externalDeleted {
		rec.Kind = models.ConflictDeleteVsUpdate
	}

	if obs.Local != nil {
		rec.CompanyID = obs.Local.CompanyID
		rec.Type = obs.Local.Type
		rec.EntityID = obs.Local.ID
		rec.LocalSnapshot, _ = json.Marshal(obs.Local)
	}
	if obs.External != nil {
		if rec.EntityID == "" {
			rec.CompanyID = obs.External.CompanyID
			rec.Type = obs.External.Type
			rec.EntityID = obs.External.ID
		}
		rec.ExternalSnapshot, _ = json.Marshal(obs.External)
	}
	return rec, true
}

func (d *Detector) fingerprint(snap *models.EntitySnapshot) string {
	if snap == nil {
		return ""
	}
	return d.trans.Fingerprint(snap)
}

// Outcome is the settled result of a resolution: the snapshot that wins and
// the direction it must now travel.
type Outcome struct {
	Winner    *models.EntitySnapshot
	Direction models.Direction
}

// Resolver settles open conflicts.
type Resolver struct {
	trans  translator.Translator
	logger *events.Logger
}

// NewResolver creates a conflict resolver.
func NewResolver(trans translator.Translator, logger *events.Logger) *Resolver {
	return &Resolver{
		trans:  trans,
		logger: logger.WithField("component", "conflict_resolver"),
	}
}

// PolicyResolution maps an automatic policy onto a resolution strategy.
// PolicyManual returns false: the conflict stays open for an operator.
func PolicyResolution(policy models.ConflictPolicy) (models.Resolution, bool) {
	switch policy {
	case models.PolicyLocalWins:
		return models.ResolveLocalWins, true
	case models.PolicyExternalWins:
		return models.ResolveExternalWins, true
	}
	return "", false
}

// Resolve produces the winning snapshot for a conflict. ResolveMerged takes
// the caller-supplied snapshot; it is validated like any outbound entity
// before it can win.
func (r *Resolver) Resolve(rec *models.ConflictRecord, resolution models.Resolution, merged *models.EntitySnapshot) (*Outcome, error) {
	switch resolution {
	case models.ResolveLocalWins:
		snap, err := unmarshalSnapshot(rec.LocalSnapshot)
		if err != nil {
			return nil, fmt.Errorf("local snapshot: %w", err)
		}
		return &Outcome{Winner: snap, Direction: models.DirectionToExternal}, nil

	case models.ResolveExternalWins:
		snap, err := unmarshalSnapshot(rec.ExternalSnapshot)
		if err != nil {
			return nil, fmt.Errorf("external snapshot: %w", err)
		}
		return &Outcome{Winner: snap, Direction: models.DirectionFromExternal}, nil

	case models.ResolveMerged:
		if merged == nil {
			return nil, fmt.Errorf("merged resolution requires a snapshot")
		}
		if merged.Type != rec.Type || merged.ID != rec.EntityID {
			return nil, fmt.Errorf("merged snapshot does not match conflict entity")
		}
		// A merged snapshot must pass the same schema gate as any outbound
		// entity before it can win.
		if _, err := r.trans.ToExternal(merged); err != nil {
			return nil, err
		}
		return &Outcome{Winner: merged, Direction: models.DirectionToExternal}, nil
	}
	return nil, fmt.Errorf("unknown resolution strategy %q", resolution)
}

func unmarshalSnapshot(data []byte) (*models.EntitySnapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snapshot missing")
	}
	var snap models.EntitySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
