// Package transport provides the point-to-point channels used to reach the
// external system: HTTP, raw TCP, and the desktop agent channel. Adapters
// own per-call timeouts and a single retry on connect failure; application
// level retries belong to the orchestrator.
package transport

import (
	"context"
	"time"

	"github.com/tallybridge/tallysync/internal/models"
)

// Request is one translated payload bound for the external system.
type Request struct {
	CompanyID  string
	EntityType models.EntityType
	EntityID   string
	Body       []byte
	Timeout    time.Duration
}

// Response is the raw reply from the external system. The orchestrator
// parses it through the translator.
type Response struct {
	Body     []byte
	Duration time.Duration
}

// Transport is a single send capability against the external system.
type Transport interface {
	// Kind identifies the adapter: "http", "tcp", or "agent".
	Kind() string

	// Send executes one request. Timeouts surface as a TransportError with
	// Timeout set; they are retryable at the orchestrator level.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Close releases adapter resources.
	Close() error
}
