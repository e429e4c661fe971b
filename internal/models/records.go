package models

import (
	"time"
)

// SyncRecord is one unit of sync work: a (company, entity type, entity id,
// direction) pairing with its lifecycle state. At most one record per entity
// key may be in StatusSyncing at any time; older terminal records remain as a
// history trail.
type SyncRecord struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"company_id"`
	Type      EntityType `json:"entity_type"`
	EntityID  string     `json:"entity_id"`
	Direction Direction  `json:"direction"`

	Status      SyncStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`

	// NextEligibleAt gates retry of failed records. It is recomputed from
	// the attempt count alone so retry scheduling is a pure function of
	// stored state.
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`

	ExternalID  string `json:"external_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	LastErrorCode   string    `json:"last_error_code,omitempty"`
	LastErrorMsg    string    `json:"last_error_message,omitempty"`
	LastErrorDetail string    `json:"last_error_detail,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the record has reached a final state.
func (r *SyncRecord) Terminal() bool {
	if r.Status == StatusCompleted {
		return true
	}
	return r.Status == StatusFailed && r.Attempts >= r.MaxAttempts
}

// ConnectionEvent is one entry in a connection's append-only log.
type ConnectionEvent struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionRecord describes one agent endpoint for one company. Records are
// retained for audit after disconnect, never deleted.
type ConnectionRecord struct {
	CompanyID    string `json:"company_id"`
	AgentID      string `json:"agent_id"`
	ConnectionID string `json:"connection_id"`

	TransportKind string `json:"transport_kind"`
	RemoteVersion string `json:"remote_version,omitempty"`
	CompanyPath   string `json:"company_path,omitempty"`

	State             ConnectionState `json:"state"`
	LastHeartbeatAt   time.Time       `json:"last_heartbeat_at"`
	ReconnectAttempts int             `json:"reconnect_attempts"`

	Events []ConnectionEvent `json:"events,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConflictRecord captures an irreconcilable dual mutation of one entity.
// While open it blocks further automatic sync of that entity.
type ConflictRecord struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"company_id"`
	Type      EntityType `json:"entity_type"`
	EntityID  string     `json:"entity_id"`

	Kind ConflictKind `json:"kind"`

	LocalFingerprint      string `json:"local_fingerprint"`
	ExternalFingerprint   string `json:"external_fingerprint"`
	LastSyncedFingerprint string `json:"last_synced_fingerprint"`

	LocalSnapshot    []byte `json:"local_snapshot,omitempty"`
	ExternalSnapshot []byte `json:"external_snapshot,omitempty"`

	State      ResolutionState `json:"state"`
	Resolution Resolution      `json:"resolution,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// EntityToggles selects which entity types auto-sync covers.
type EntityToggles struct {
	Vouchers bool `json:"vouchers" mapstructure:"vouchers"`
	Items    bool `json:"items" mapstructure:"items"`
	Parties  bool `json:"parties" mapstructure:"parties"`
}

// Enabled reports whether the toggle covers the given entity type.
func (t EntityToggles) Enabled(et EntityType) bool {
	switch et {
	case EntityVoucher:
		return t.Vouchers
	case EntityItem:
		return t.Items
	case EntityParty:
		return t.Parties
	}
	return false
}

// Types returns the enabled entity types in a stable order.
func (t EntityToggles) Types() []EntityType {
	var out []EntityType
	if t.Vouchers {
		out = append(out, EntityVoucher)
	}
	if t.Items {
		out = append(out, EntityItem)
	}
	if t.Parties {
		out = append(out, EntityParty)
	}
	return out
}

// SyncSettings is the per-company sync behavior configuration.
type SyncSettings struct {
	CompanyID    string         `json:"company_id"`
	AutoSync     bool           `json:"auto_sync"`
	SyncInterval time.Duration  `json:"sync_interval"`
	Entities     EntityToggles  `json:"sync_entities"`
	Policy       ConflictPolicy `json:"conflict_resolution_policy"`
	MaxAttempts  int            `json:"max_attempts"`
	BaseDelay    time.Duration  `json:"base_delay"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DefaultSyncSettings returns the settings applied to companies without a
// stored row.
func DefaultSyncSettings(companyID string) SyncSettings {
	return SyncSettings{
		CompanyID:    companyID,
		AutoSync:     false,
		SyncInterval: 5 * time.Minute,
		Entities:     EntityToggles{Vouchers: true, Items: true, Parties: true},
		Policy:       PolicyManual,
		MaxAttempts:  3,
		BaseDelay:    30 * time.Second,
	}
}

// EntitySnapshot is the narrow read contract with the entity stores. The
// engine never holds authoritative entity state; a snapshot is a point-in-time
// field map read by (type, id) and referenced only by fingerprint afterwards.
type EntitySnapshot struct {
	Type      EntityType        `json:"entity_type"`
	ID        string            `json:"entity_id"`
	CompanyID string            `json:"company_id"`
	Fields    map[string]string `json:"fields"`
	Deleted   bool              `json:"deleted,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SyncStatusReport is the aggregate returned by the status endpoint.
type SyncStatusReport struct {
	CompanyID    string             `json:"company_id"`
	Statistics   SyncStatistics     `json:"statistics"`
	Connections  []ConnectionRecord `json:"connections"`
	PendingSyncs []SyncRecord       `json:"pending_syncs"`
}

// SyncStatistics summarizes sync record counts for one company.
type SyncStatistics struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Conflicts int `json:"open_conflicts"`
}

// LogFilter narrows sync log queries.
type LogFilter struct {
	Type     EntityType `json:"entity_type,omitempty"`
	EntityID string     `json:"entity_id,omitempty"`
	Status   SyncStatus `json:"status,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Offset   int        `json:"offset,omitempty"`
}
