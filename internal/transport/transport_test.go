package transport_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
	"github.com/tallybridge/tallysync/internal/transport"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.ErrorLevel, "json", &buf)
}

func TestHTTPAdapterSend(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte("<ENVELOPE><BODY><DATA><IMPORTRESULT><CREATED>1</CREATED></IMPORTRESULT></DATA></BODY></ENVELOPE>"))
	}))
	defer server.Close()

	host, port := splitHostPort(t, server.URL)
	adapter := transport.NewHTTPAdapter(host, port, 5*time.Second, testLogger())
	defer adapter.Close()

	resp, err := adapter.Send(context.Background(), &transport.Request{
		CompanyID:  "co-1",
		EntityType: models.EntityVoucher,
		EntityID:   "vch-1",
		Body:       []byte("<ENVELOPE/>"),
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("<ENVELOPE/>"), received)
	assert.Contains(t, string(resp.Body), "IMPORTRESULT")
	assert.Equal(t, "http", adapter.Kind())
}

func TestHTTPAdapterServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	host, port := splitHostPort(t, server.URL)
	adapter := transport.NewHTTPAdapter(host, port, 5*time.Second, testLogger())
	defer adapter.Close()

	_, err := adapter.Send(context.Background(), &transport.Request{Body: []byte("<x/>")})
	require.Error(t, err)

	var transErr *models.TransportError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "http", transErr.Kind)
	assert.Equal(t, models.ClassTransient, models.Classify(err))
}

func TestHTTPAdapterTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	host, port := splitHostPort(t, server.URL)
	adapter := transport.NewHTTPAdapter(host, port, 50*time.Millisecond, testLogger())
	defer adapter.Close()

	_, err := adapter.Send(context.Background(), &transport.Request{Body: []byte("<x/>")})
	require.Error(t, err)

	var transErr *models.TransportError
	require.ErrorAs(t, err, &transErr)
	assert.True(t, transErr.Timeout)
}

func TestTCPAdapterFraming(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	responseBody := []byte("<ENVELOPE><BODY><DATA><IMPORTRESULT><CREATED>1</CREATED></IMPORTRESULT></DATA></BODY></ENVELOPE>")

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var prefix [4]byte
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		var out [4]byte
		binary.BigEndian.PutUint32(out[:], uint32(len(responseBody)))
		conn.Write(out[:])
		conn.Write(responseBody)
	}()

	addr := listener.Addr().(*net.TCPAddr)
	adapter := transport.NewTCPAdapter("127.0.0.1", addr.Port, 5*time.Second, testLogger())

	resp, err := adapter.Send(context.Background(), &transport.Request{Body: []byte("<ENVELOPE/>")})
	require.NoError(t, err)
	assert.Equal(t, responseBody, resp.Body)
	assert.Equal(t, "tcp", adapter.Kind())
}

func TestTCPAdapterConnectionRefused(t *testing.T) {
	// Grab a free port, then close it so nothing listens there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	adapter := transport.NewTCPAdapter("127.0.0.1", port, time.Second, testLogger())

	_, err = adapter.Send(context.Background(), &transport.Request{Body: []byte("<x/>")})
	require.Error(t, err)

	var transErr *models.TransportError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "dial", transErr.Op)
	assert.Equal(t, models.ClassTransient, models.Classify(err))
}

type fakeRequester struct {
	online  bool
	err     error
	respond func(msg models.AgentMessage) models.AgentMessage
	got     []models.AgentMessage
}

func (f *fakeRequester) Request(ctx context.Context, msg models.AgentMessage) (models.AgentMessage, error) {
	f.got = append(f.got, msg)
	if f.err != nil {
		return models.AgentMessage{}, f.err
	}
	return f.respond(msg), nil
}

func (f *fakeRequester) Online() bool { return f.online }

func TestAgentAdapterSend(t *testing.T) {
	requester := &fakeRequester{
		online: true,
		respond: func(msg models.AgentMessage) models.AgentMessage {
			payload, _ := json.Marshal(map[string]interface{}{
				"entity_type": "voucher",
				"entity_id":   "vch-1",
				"body":        []byte("<ENVELOPE>ok</ENVELOPE>"),
			})
			return models.AgentMessage{
				ID:      msg.ID,
				Type:    models.MsgSyncResponse,
				Payload: payload,
			}
		},
	}

	adapter := transport.NewAgentAdapter(requester, 5*time.Second, testLogger())

	resp, err := adapter.Send(context.Background(), &transport.Request{
		CompanyID:  "co-1",
		EntityType: models.EntityVoucher,
		EntityID:   "vch-1",
		Body:       []byte("<ENVELOPE/>"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("<ENVELOPE>ok</ENVELOPE>"), resp.Body)

	require.Len(t, requester.got, 1)
	sent := requester.got[0]
	assert.Equal(t, models.MsgSyncRequest, sent.Type)
	assert.Equal(t, "co-1", sent.CompanyID)
	assert.NotEmpty(t, sent.ID)
}

func TestAgentAdapterOffline(t *testing.T) {
	requester := &fakeRequester{err: models.ErrAgentOffline}
	adapter := transport.NewAgentAdapter(requester, time.Second, testLogger())

	_, err := adapter.Send(context.Background(), &transport.Request{Body: []byte("<x/>")})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAgentOffline)
	assert.Equal(t, models.ClassTransient, models.Classify(err))
}

func TestAgentAdapterAgentError(t *testing.T) {
	requester := &fakeRequester{
		online: true,
		respond: func(msg models.AgentMessage) models.AgentMessage {
			return models.AgentMessage{ID: msg.ID, Type: models.MsgSyncResponse, Error: "tally not running"}
		},
	}
	adapter := transport.NewAgentAdapter(requester, time.Second, testLogger())

	_, err := adapter.Send(context.Background(), &transport.Request{Body: []byte("<x/>")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tally not running")
}

func TestMockTransport(t *testing.T) {
	mock := transport.NewMock().
		Script(nil, errors.New("first fails")).
		Script(&transport.Response{Body: []byte("ok")}, nil)

	_, err := mock.Send(context.Background(), &transport.Request{EntityID: "e1"})
	assert.Error(t, err)

	resp, err := mock.Send(context.Background(), &transport.Request{EntityID: "e2"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Body)

	// Last script entry repeats.
	resp, err = mock.Send(context.Background(), &transport.Request{EntityID: "e3"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Body)

	assert.Equal(t, 3, mock.Calls())
	assert.Len(t, mock.Requests, 3)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}
