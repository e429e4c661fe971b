package models

import "fmt"

// EntityType identifies which business entity a sync unit refers to.
type EntityType string

const (
	EntityVoucher EntityType = "voucher"
	EntityItem    EntityType = "item"
	EntityParty   EntityType = "party"
)

// ParseEntityType validates a raw entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityVoucher, EntityItem, EntityParty:
		return EntityType(s), nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Direction describes which way entity data flows.
type Direction string

const (
	DirectionToExternal    Direction = "to_external"
	DirectionFromExternal  Direction = "from_external"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates a raw direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionToExternal, DirectionFromExternal, DirectionBidirectional:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown sync direction %q", s)
}

// SyncStatus is the lifecycle state of a SyncRecord.
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusSyncing   SyncStatus = "syncing"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
)

// Priority orders sync records within the queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority validates a raw priority string, defaulting to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Rank maps a priority to its dequeue order; lower ranks dequeue first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// ConnectionState is the persisted reachability of an agent endpoint.
type ConnectionState string

const (
	ConnConnected    ConnectionState = "connected"
	ConnDegraded     ConnectionState = "degraded"
	ConnDisconnected ConnectionState = "disconnected"
)

// Health is the derived liveness of an agent channel. Severity is strictly
// increasing; decay never skips a level.
type Health int

const (
	HealthHealthy Health = iota
	HealthWarning
	HealthUnhealthy
	HealthDisconnected
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthWarning:
		return "warning"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "disconnected"
	}
}

// ConnectionState maps derived health onto the persisted reachability state.
func (h Health) ConnectionState() ConnectionState {
	switch h {
	case HealthHealthy:
		return ConnConnected
	case HealthWarning, HealthUnhealthy:
		return ConnDegraded
	default:
		return ConnDisconnected
	}
}

// ConflictKind categorizes an irreconcilable dual mutation.
type ConflictKind string

const (
	ConflictDataMismatch   ConflictKind = "data_mismatch"
	ConflictDeleteVsUpdate ConflictKind = "delete_vs_update"
	ConflictDuplicateKey   ConflictKind = "duplicate_key"
)

// Resolution is the strategy applied to settle a conflict.
type Resolution string

const (
	ResolveLocalWins    Resolution = "local_wins"
	ResolveExternalWins Resolution = "external_wins"
	ResolveMerged       Resolution = "merged"
)

// ParseResolution validates a raw resolution strategy string.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolveLocalWins, ResolveExternalWins, ResolveMerged:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// ResolutionState tracks whether a conflict still blocks its sync unit.
type ResolutionState string

const (
	ConflictOpen     ResolutionState = "open"
	ConflictResolved ResolutionState = "resolved"
)

// ConflictPolicy is the configured automatic behavior when a conflict is
// detected. PolicyManual blocks until an operator resolves it.
type ConflictPolicy string

const (
	PolicyManual       ConflictPolicy = "manual"
	PolicyLocalWins    ConflictPolicy = "local_wins"
	PolicyExternalWins ConflictPolicy = "external_wins"
)

// ParseConflictPolicy validates a raw policy string, defaulting to manual.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case PolicyManual, PolicyLocalWins, PolicyExternalWins:
		return ConflictPolicy(s), nil
	case "":
		return PolicyManual, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}
