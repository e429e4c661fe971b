package models

import "time"

// NextEligible computes when a record may retry after its attempts-th
// failure: base * 2^attempts after now, capped. Deterministic so retry
// scheduling is a pure function of stored state.
func NextEligible(base, cap time.Duration, attempts int, now time.Time) time.Time {
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}
	return now.Add(delay)
}

// HealthThresholds defines how many heartbeat intervals may elapse before
// each downgrade. Values must be strictly increasing.
type HealthThresholds struct {
	Interval     time.Duration // expected heartbeat cadence
	Warning      int           // missed intervals before warning
	Unhealthy    int           // missed intervals before unhealthy
	Disconnected int           // missed intervals before disconnected
}

// DefaultHealthThresholds matches a 15s heartbeat with downgrades at 2, 4,
// and 8 missed intervals.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		Interval:     15 * time.Second,
		Warning:      2,
		Unhealthy:    4,
		Disconnected: 8,
	}
}

// HealthAt derives channel health purely from elapsed time since the last
// heartbeat. Severity increases one level per threshold; a health value is
// reproducible from (lastHeartbeat, now) alone.
func (t HealthThresholds) HealthAt(lastHeartbeat, now time.Time) Health {
	if lastHeartbeat.IsZero() {
		return HealthDisconnected
	}
	elapsed := now.Sub(lastHeartbeat)
	switch {
	case elapsed >= time.Duration(t.Disconnected)*t.Interval:
		return HealthDisconnected
	case elapsed >= time.Duration(t.Unhealthy)*t.Interval:
		return HealthUnhealthy
	case elapsed >= time.Duration(t.Warning)*t.Interval:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
