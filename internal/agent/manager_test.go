package agent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tallybridge/tallysync/internal/config"
	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

type memConnStore struct {
	mu         sync.Mutex
	records    map[string]*models.ConnectionRecord
	events     map[string][]models.ConnectionEvent
	tokens     map[string]string // companyID/agentID -> bcrypt hash
	heartbeats int
}

func newMemConnStore() *memConnStore {
	return &memConnStore{
		records: map[string]*models.ConnectionRecord{},
		events:  map[string][]models.ConnectionEvent{},
		tokens:  map[string]string{},
	}
}

func (s *memConnStore) addToken(t *testing.T, companyID, agentID, token string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	s.mu.Lock()
	s.tokens[companyID+"/"+agentID] = string(hash)
	s.mu.Unlock()
}

func (s *memConnStore) UpsertConnection(_ context.Context, rec *models.ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ConnectionID] = rec
	return nil
}

func (s *memConnStore) UpdateConnectionState(_ context.Context, connectionID string, state models.ConnectionState, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[connectionID]; ok {
		rec.State = state
	}
	return nil
}

func (s *memConnStore) RecordHeartbeat(_ context.Context, connectionID string, at time.Time, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	if rec, ok := s.records[connectionID]; ok {
		rec.LastHeartbeatAt = at
	}
	return nil
}

func (s *memConnStore) AppendConnectionEvent(_ context.Context, connectionID string, event models.ConnectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[connectionID] = append(s.events[connectionID], event)
	return nil
}

func (s *memConnStore) AgentTokenHash(_ context.Context, companyID, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.tokens[companyID+"/"+agentID]
	if !ok {
		return "", models.ErrInvalidToken
	}
	return hash, nil
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		HeartbeatInterval:  time.Second,
		WarningMissed:      2,
		UnhealthyMissed:    4,
		DisconnectedMissed: 8,
		QueueSize:          10,
		RequestTimeout:     5 * time.Second,
	}
}

func testTallyConfig(httpHost string, httpPort int) config.TallyConfig {
	return config.TallyConfig{
		HTTPHost: httpHost,
		HTTPPort: httpPort,
		TCPHost:  httpHost,
		TCPPort:  httpPort + 1,
		Timeout:  5 * time.Second,
	}
}

func newTestManager(store ConnectionStore, tally config.TallyConfig) *Manager {
	logger := events.NewTestLogger(events.ErrorLevel, "text", &strings.Builder{})
	return NewManager(store, testAgentConfig(), tally, logger)
}

func dialAgent(t *testing.T, srv *httptest.Server, companyID, agentID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set("X-Company-ID", companyID)
	header.Set("X-Agent-ID", agentID)
	header.Set("Authorization", "Bearer "+token)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func TestHandleAgentAuth(t *testing.T) {
	store := newMemConnStore()
	store.addToken(t, "co-1", "agent-1", "secret-token")

	mgr := newTestManager(store, config.TallyConfig{})
	defer mgr.Close()

	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleAgent))
	defer srv.Close()

	t.Run("valid token connects", func(t *testing.T) {
		conn, resp, err := dialAgent(t, srv, "co-1", "agent-1", "secret-token")
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		defer conn.Close()

		require.Eventually(t, func() bool {
			ch := mgr.Channel("co-1", "agent-1")
			return ch != nil && ch.Online()
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		_, resp, err := dialAgent(t, srv, "co-1", "agent-1", "wrong")
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown agent rejected", func(t *testing.T) {
		_, resp, err := dialAgent(t, srv, "co-1", "agent-9", "secret-token")
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing identity rejected", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		header := http.Header{}
		header.Set("Authorization", "Bearer secret-token")
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleAgentPersistsRecord(t *testing.T) {
	store := newMemConnStore()
	store.addToken(t, "co-1", "agent-1", "secret-token")

	mgr := newTestManager(store, config.TallyConfig{})
	defer mgr.Close()

	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleAgent))
	defer srv.Close()

	conn, resp, err := dialAgent(t, srv, "co-1", "agent-1", "secret-token")
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.records) == 1
	}, 5*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	for id, rec := range store.records {
		assert.Equal(t, "co-1", rec.CompanyID)
		assert.Equal(t, "agent-1", rec.AgentID)
		assert.Equal(t, models.ConnConnected, rec.State)
		require.Len(t, store.events[id], 1)
		assert.Equal(t, "connected", store.events[id][0].Kind)
	}
}

func TestTransportsPreference(t *testing.T) {
	store := newMemConnStore()
	mgr := newTestManager(store, testTallyConfig("127.0.0.1", 9000))
	defer mgr.Close()

	t.Run("no agent falls back to direct", func(t *testing.T) {
		kinds := transportKinds(mgr, "co-1")
		assert.Equal(t, []string{"http", "tcp"}, kinds)
	})

	t.Run("online agent preferred", func(t *testing.T) {
		client, _, cleanup := wsPair(t)
		defer cleanup()

		ch := NewChannel("co-1", "agent-1", "conn-1", testThresholds(), 10, events.NewTestLogger(events.ErrorLevel, "text", &strings.Builder{}))
		ch.Attach(client)
		defer ch.Close()

		mgr.mu.Lock()
		mgr.channels["co-1"] = map[string]*Channel{"agent-1": ch}
		mgr.mu.Unlock()

		kinds := transportKinds(mgr, "co-1")
		assert.Equal(t, []string{"agent", "http", "tcp"}, kinds)
	})

	t.Run("stale agent skipped", func(t *testing.T) {
		mgr.now = func() time.Time { return time.Now().Add(time.Hour) }
		kinds := transportKinds(mgr, "co-1")
		assert.Equal(t, []string{"http", "tcp"}, kinds)
	})
}

func TestTransportsReuseDirectAdapters(t *testing.T) {
	mgr := newTestManager(newMemConnStore(), testTallyConfig("127.0.0.1", 9000))
	defer mgr.Close()

	// The direct adapters are built once; handing out fresh ones per call
	// would throw away their pooled connections.
	first := mgr.Transports("co-1")
	second := mgr.Transports("co-1")
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.True(t, first[0] == second[0])
	assert.True(t, first[1] == second[1])
}

func transportKinds(mgr *Manager, companyID string) []string {
	var kinds []string
	for _, tr := range mgr.Transports(companyID) {
		kinds = append(kinds, tr.Kind())
	}
	return kinds
}

func TestSelectTransportNoCandidates(t *testing.T) {
	mgr := newTestManager(newMemConnStore(), config.TallyConfig{})
	defer mgr.Close()

	_, err := mgr.SelectTransport("co-1")
	assert.ErrorIs(t, err, models.ErrNoTransport)
}

func TestSweepPersistsStateTransitions(t *testing.T) {
	store := newMemConnStore()
	store.addToken(t, "co-1", "agent-1", "secret-token")

	mgr := newTestManager(store, config.TallyConfig{})
	defer mgr.Close()

	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleAgent))
	defer srv.Close()

	conn, resp, err := dialAgent(t, srv, "co-1", "agent-1", "secret-token")
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		ch := mgr.Channel("co-1", "agent-1")
		return ch != nil && ch.Online()
	}, 5*time.Second, 10*time.Millisecond)

	// Advance simulated time far past the disconnect threshold.
	mgr.now = func() time.Time { return time.Now().Add(time.Hour) }
	mgr.Sweep(context.Background())

	ch := mgr.Channel("co-1", "agent-1")
	assert.False(t, ch.Online())

	store.mu.Lock()
	defer store.mu.Unlock()
	rec := store.records[ch.ConnectionID]
	require.NotNil(t, rec)
	assert.Equal(t, models.ConnDisconnected, rec.State)
}

func TestProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	res := Probe(context.Background(), "tcp", "127.0.0.1", port, time.Second)
	assert.True(t, res.Reached)
	assert.Empty(t, res.Error)
}

func TestProbeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("TallyPrime Server is Running"))
	}))
	defer srv.Close()

	hostPort := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(hostPort, ":")
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	res := Probe(context.Background(), "http", parts[0], port, time.Second)
	assert.True(t, res.Reached)
	assert.Contains(t, res.Banner, "Running")
}

func TestProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	res := Probe(context.Background(), "tcp", "127.0.0.1", port, 500*time.Millisecond)
	assert.False(t, res.Reached)
	assert.NotEmpty(t, res.Error)
}

func TestProbeUnknownMethod(t *testing.T) {
	res := Probe(context.Background(), "smtp", "127.0.0.1", 25, time.Second)
	assert.False(t, res.Reached)
	assert.Contains(t, res.Error, "unknown probe method")
}
