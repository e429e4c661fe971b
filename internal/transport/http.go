package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

// HTTPAdapter posts XML envelopes to a Tally web server.
type HTTPAdapter struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	logger  *events.Logger
}

// NewHTTPAdapter creates an HTTP adapter for host:port.
func NewHTTPAdapter(host string, port int, timeout time.Duration, logger *events.Logger) *HTTPAdapter {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPAdapter{
		client: &http.Client{
			Transport: transport,
		},
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		timeout: timeout,
		logger:  logger.WithField("component", "http_adapter"),
	}
}

// Kind identifies the adapter.
func (a *HTTPAdapter) Kind() string { return "http" }

// Send posts the envelope and reads the response envelope. Connect failures
// are retried once; everything else surfaces to the orchestrator.
func (a *HTTPAdapter) Send(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	a.logger.WithFields(map[string]interface{}{
		"url":         a.baseURL,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"size":        len(req.Body),
	}).Debug("Sending request")

	body, err := a.post(ctx, req.Body)
	if err != nil && isConnectFailure(err) {
		a.logger.WithError(err).Debug("Connect failed, retrying once")
		body, err = a.post(ctx, req.Body)
	}
	if err != nil {
		return nil, a.wrap(ctx, err)
	}

	duration := time.Since(start)
	a.logger.WithFields(map[string]interface{}{
		"size":     len(body),
		"duration": duration,
	}).Debug("Received response")

	return &Response{Body: body, Duration: duration}, nil
}

func (a *HTTPAdapter) post(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/xml;charset=utf-8")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	return body, nil
}

// wrap converts failures into the transport error taxonomy.
func (a *HTTPAdapter) wrap(ctx context.Context, err error) error {
	return &models.TransportError{
		Kind:    a.Kind(),
		Op:      "post",
		Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:     err,
	}
}

// Close releases idle connections.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// isConnectFailure reports whether the error happened before any bytes were
// exchanged, making an immediate single retry safe.
func isConnectFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
