package store

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := events.NewTestLogger(events.ErrorLevel, "text", io.Discard)
	st, err := New(filepath.Join(t.TempDir(), "tallysync.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// fixedClock makes record timestamps deterministic and lets tests control
// FIFO ordering.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }

func (c *fixedClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func useClock(st *Store) *fixedClock {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st.now = clock.Now
	return clock
}

func newRecord(entityID string, priority models.Priority) *models.SyncRecord {
	return &models.SyncRecord{
		CompanyID:   "co-1",
		Type:        models.EntityVoucher,
		EntityID:    entityID,
		Direction:   models.DirectionToExternal,
		Priority:    priority,
		MaxAttempts: 3,
	}
}

func TestCreateSyncRecordReusesPending(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	first := newRecord("v-1", models.PriorityNormal)
	require.NoError(t, st.CreateSyncRecord(ctx, first))

	// A second create for the same pending entity reuses the record instead
	// of erroring.
	second := newRecord("v-1", models.PriorityHigh)
	require.NoError(t, st.CreateSyncRecord(ctx, second))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.StatusPending, second.Status)
	assert.Equal(t, models.PriorityNormal, second.Priority)

	// A different entity is unaffected.
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-2", models.PriorityNormal)))

	// Once the record is claimed into syncing the entity is busy.
	claimed, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	require.Equal(t, "v-1", claimed.EntityID)

	err = st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal))
	assert.ErrorIs(t, err, models.ErrDuplicateActiveSync)
}

func TestCreateSyncRecordAfterTerminal(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	rec := newRecord("v-1", models.PriorityNormal)
	require.NoError(t, st.CreateSyncRecord(ctx, rec))

	claimed, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, claimed.ID, "EXT-001", "fp-1"))

	// Terminal history does not block a fresh record for the same entity.
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))
}

func TestClaimNextPriorityBeforeFIFO(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	// Enqueued low first, then high, then normal.
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-low", models.PriorityLow)))
	clock.Advance(time.Second)
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-high", models.PriorityHigh)))
	clock.Advance(time.Second)
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-normal", models.PriorityNormal)))

	var order []string
	for i := 0; i < 3; i++ {
		rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
		require.NoError(t, err)
		order = append(order, rec.EntityID)
		require.NoError(t, st.MarkCompleted(ctx, rec.ID, "EXT", "fp"))
	}
	assert.Equal(t, []string{"v-high", "v-normal", "v-low"}, order)

	_, err := st.ClaimNext(ctx, "co-1", clock.Now())
	assert.ErrorIs(t, err, models.ErrQueueEmpty)
}

func TestClaimNextFIFOWithinPriority(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	for _, id := range []string{"v-1", "v-2", "v-3"} {
		require.NoError(t, st.CreateSyncRecord(ctx, newRecord(id, models.PriorityNormal)))
		clock.Advance(time.Second)
	}

	var order []string
	for i := 0; i < 3; i++ {
		rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
		require.NoError(t, err)
		order = append(order, rec.EntityID)
		require.NoError(t, st.MarkCompleted(ctx, rec.ID, "EXT", "fp"))
	}
	assert.Equal(t, []string{"v-1", "v-2", "v-3"}, order)
}

func TestClaimNextSkipsOpenConflict(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityHigh)))
	clock.Advance(time.Second)
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-2", models.PriorityLow)))

	require.NoError(t, st.CreateConflict(ctx, &models.ConflictRecord{
		CompanyID: "co-1",
		Type:      models.EntityVoucher,
		EntityID:  "v-1",
		Kind:      models.ConflictDataMismatch,
	}))

	// v-1 is blocked despite the higher priority.
	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "v-2", rec.EntityID)
}

func TestClaimNextHonorsBackoff(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))

	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)

	retryAt := clock.Now().Add(30 * time.Second)
	require.NoError(t, st.MarkFailed(ctx, rec.ID, models.ErrCodeTimeout, "request timed out", "", retryAt))

	// Not yet eligible.
	_, err = st.ClaimNext(ctx, "co-1", clock.Now())
	assert.ErrorIs(t, err, models.ErrQueueEmpty)

	clock.Advance(31 * time.Second)
	again, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestClaimNextStopsAtAttemptLimit(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))

	for i := 0; i < 3; i++ {
		rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
		require.NoError(t, err)
		require.NoError(t, st.MarkFailed(ctx, rec.ID, models.ErrCodeTimeout, "timed out", "", clock.Now()))
		clock.Advance(time.Minute)
	}

	// Three failed attempts exhaust the record.
	_, err := st.ClaimNext(ctx, "co-1", clock.Now())
	assert.ErrorIs(t, err, models.ErrQueueEmpty)

	recs, err := st.ListSyncRecords(ctx, "co-1", models.LogFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusFailed, recs[0].Status)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.True(t, recs[0].Terminal())
}

func TestMarkFailedRecordsError(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))
	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)

	require.NoError(t, st.MarkFailed(ctx, rec.ID, models.ErrCodeSchema, "missing field", "date", clock.Now()))

	got, err := st.GetSyncRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrCodeSchema, got.LastErrorCode)
	assert.Equal(t, "missing field", got.LastErrorMsg)
	assert.Equal(t, "date", got.LastErrorDetail)
	assert.False(t, got.LastErrorAt.IsZero())
}

func TestMarkFailedTerminal(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))
	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)

	require.NoError(t, st.MarkFailedTerminal(ctx, rec.ID, models.ErrCodeSchema, "missing field", "date"))

	got, err := st.GetSyncRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())

	clock.Advance(time.Hour)
	_, err = st.ClaimNext(ctx, "co-1", clock.Now())
	assert.ErrorIs(t, err, models.ErrQueueEmpty)
}

func TestLastSyncedFingerprint(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	fp, at, err := st.LastSyncedFingerprint(ctx, "co-1", models.EntityVoucher, "v-1")
	require.NoError(t, err)
	assert.Empty(t, fp)
	assert.True(t, at.IsZero())

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))
	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, rec.ID, "EXT-001", "fp-1"))

	fp, at, err = st.LastSyncedFingerprint(ctx, "co-1", models.EntityVoucher, "v-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", fp)
	assert.Equal(t, clock.Now(), at.UTC())
}

func TestCompanies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))
	require.NoError(t, st.PutSettings(ctx, models.DefaultSyncSettings("co-2")))

	companies, err := st.Companies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"co-1", "co-2"}, companies)
}

func TestRequeueStale(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))
	_, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)

	// Too recent to be stale.
	n, err := st.RequeueStale(ctx, 5*time.Minute, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * time.Minute)
	n, err = st.RequeueStale(ctx, 5*time.Minute, clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "v-1", rec.EntityID)
}

func TestPruneSyncRecords(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-old", models.PriorityNormal)))
	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, rec.ID, "EXT", "fp"))

	clock.Advance(40 * 24 * time.Hour)
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-new", models.PriorityNormal)))

	n, err := st.PruneSyncRecords(ctx, 30*24*time.Hour, clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	recs, err := st.ListSyncRecords(ctx, "co-1", models.LogFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "v-new", recs[0].EntityID)
}

func TestStatistics(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-1", models.PriorityNormal)))
	clock.Advance(time.Second)
	require.NoError(t, st.CreateSyncRecord(ctx, newRecord("v-2", models.PriorityNormal)))

	rec, err := st.ClaimNext(ctx, "co-1", clock.Now())
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, rec.ID, "EXT", "fp"))

	require.NoError(t, st.CreateConflict(ctx, &models.ConflictRecord{
		CompanyID: "co-1",
		Type:      models.EntityItem,
		EntityID:  "i-1",
		Kind:      models.ConflictDataMismatch,
	}))

	stats, err := st.Statistics(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Conflicts)
}

func TestConnectionLifecycle(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	rec := &models.ConnectionRecord{
		CompanyID:     "co-1",
		AgentID:       "agent-1",
		ConnectionID:  "conn-1",
		TransportKind: "agent",
		RemoteVersion: "2.4.0",
		State:         models.ConnConnected,
		CreatedAt:     clock.Now(),
		UpdatedAt:     clock.Now(),
	}
	require.NoError(t, st.UpsertConnection(ctx, rec))
	require.NoError(t, st.AppendConnectionEvent(ctx, "conn-1", models.ConnectionEvent{
		Kind: "connected", Timestamp: clock.Now(),
	}))

	clock.Advance(time.Minute)
	require.NoError(t, st.RecordHeartbeat(ctx, "conn-1", clock.Now(), "2.4.1", "/data/company"))

	require.NoError(t, st.UpdateConnectionState(ctx, "conn-1", models.ConnDegraded, clock.Now()))

	conns, err := st.ListConnections(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, models.ConnDegraded, conns[0].State)
	assert.Equal(t, "2.4.1", conns[0].RemoteVersion)
	assert.Equal(t, "/data/company", conns[0].CompanyPath)
	assert.Equal(t, clock.Now(), conns[0].LastHeartbeatAt.UTC())
	require.Len(t, conns[0].Events, 1)
	assert.Equal(t, "connected", conns[0].Events[0].Kind)

	// Reconnect of the same agent replaces, not duplicates.
	rec.ConnectionID = "conn-2"
	require.NoError(t, st.UpsertConnection(ctx, rec))
	conns, err = st.ListConnections(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "conn-2", conns[0].ConnectionID)
}

func TestAgentTokens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AgentTokenHash(ctx, "co-1", "agent-1")
	assert.ErrorIs(t, err, models.ErrInvalidToken)

	require.NoError(t, st.RegisterAgentToken(ctx, "co-1", "agent-1", "hash-1"))
	hash, err := st.AgentTokenHash(ctx, "co-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", hash)

	// Re-registering rotates the token.
	require.NoError(t, st.RegisterAgentToken(ctx, "co-1", "agent-1", "hash-2"))
	hash, err = st.AgentTokenHash(ctx, "co-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", hash)
}

func TestConflictLifecycle(t *testing.T) {
	st := newTestStore(t)
	clock := useClock(st)
	ctx := context.Background()

	rec := &models.ConflictRecord{
		CompanyID:             "co-1",
		Type:                  models.EntityVoucher,
		EntityID:              "v-1",
		Kind:                  models.ConflictDataMismatch,
		LocalFingerprint:      "fp-local",
		ExternalFingerprint:   "fp-external",
		LastSyncedFingerprint: "fp-base",
		LocalSnapshot:         []byte(`{"amount":"100"}`),
		ExternalSnapshot:      []byte(`{"amount":"200"}`),
	}
	require.NoError(t, st.CreateConflict(ctx, rec))

	// A second open conflict for the same entity is rejected.
	err := st.CreateConflict(ctx, &models.ConflictRecord{
		CompanyID: "co-1",
		Type:      models.EntityVoucher,
		EntityID:  "v-1",
		Kind:      models.ConflictDataMismatch,
	})
	assert.ErrorIs(t, err, models.ErrConflictPending)

	open, err := st.OpenConflict(ctx, "co-1", models.EntityVoucher, "v-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, open.ID)
	assert.Equal(t, "fp-local", open.LocalFingerprint)
	assert.JSONEq(t, `{"amount":"100"}`, string(open.LocalSnapshot))

	resolveTime := clock.Now()
	require.NoError(t, st.ResolveConflict(ctx, rec.ID, models.ResolveLocalWins, resolveTime))

	_, err = st.OpenConflict(ctx, "co-1", models.EntityVoucher, "v-1")
	assert.ErrorIs(t, err, models.ErrConflictNotFound)

	at, err := st.LatestResolution(ctx, "co-1", models.EntityVoucher, "v-1")
	require.NoError(t, err)
	assert.Equal(t, resolveTime, at.UTC())

	// Resolving twice fails.
	err = st.ResolveConflict(ctx, rec.ID, models.ResolveLocalWins, clock.Now())
	assert.ErrorIs(t, err, models.ErrConflictNotFound)

	// A new conflict may open after resolution.
	require.NoError(t, st.CreateConflict(ctx, &models.ConflictRecord{
		CompanyID: "co-1",
		Type:      models.EntityVoucher,
		EntityID:  "v-1",
		Kind:      models.ConflictDeleteVsUpdate,
	}))

	resolved, err := st.ListConflicts(ctx, "co-1", models.ConflictResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, models.ResolveLocalWins, resolved[0].Resolution)

	all, err := st.ListConflicts(ctx, "co-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSettingsDefaultsAndRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	settings, err := st.GetSettings(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSyncSettings("co-1").Policy, settings.Policy)
	assert.False(t, settings.AutoSync)

	settings.AutoSync = true
	settings.SyncInterval = 10 * time.Minute
	settings.Entities = models.EntityToggles{Vouchers: true}
	settings.Policy = models.PolicyLocalWins
	settings.MaxAttempts = 5
	settings.BaseDelay = time.Minute
	require.NoError(t, st.PutSettings(ctx, settings))

	got, err := st.GetSettings(ctx, "co-1")
	require.NoError(t, err)
	assert.True(t, got.AutoSync)
	assert.Equal(t, 10*time.Minute, got.SyncInterval)
	assert.True(t, got.Entities.Vouchers)
	assert.False(t, got.Entities.Items)
	assert.Equal(t, models.PolicyLocalWins, got.Policy)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, time.Minute, got.BaseDelay)
}

func TestPutSettingsValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	settings := models.DefaultSyncSettings("co-1")
	settings.Policy = "coin_flip"
	assert.Error(t, st.PutSettings(ctx, settings))

	settings = models.DefaultSyncSettings("co-1")
	settings.SyncInterval = 0
	assert.Error(t, st.PutSettings(ctx, settings))
}
