package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Error codes surfaced through the control surface. Raw transport errors
// never cross that boundary.
const (
	ErrCodeNetwork    = "NETWORK_ERROR"
	ErrCodeTimeout    = "TIMEOUT"
	ErrCodeAgentDown  = "AGENT_OFFLINE"
	ErrCodeSchema     = "SCHEMA_ERROR"
	ErrCodeConflict   = "CONFLICT_PENDING"
	ErrCodeAuth       = "AUTH_ERROR"
	ErrCodeExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeExternal   = "EXTERNAL_REJECTED"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeDuplicate  = "DUPLICATE_ACTIVE_SYNC"
)

// Sentinel errors
var (
	ErrDuplicateActiveSync = errors.New("sync already in progress for entity")
	ErrAgentOffline        = errors.New("agent offline")
	ErrConflictPending     = errors.New("unresolved conflict blocks sync")
	ErrRecordNotFound      = errors.New("record not found")
	ErrConflictNotFound    = errors.New("conflict not found")
	ErrNoTransport         = errors.New("no transport available")
	ErrQueueEmpty          = errors.New("no eligible sync records")
	ErrChannelClosed       = errors.New("agent channel closed")
	ErrInvalidToken        = errors.New("agent token invalid")
)

// ErrorClass buckets an error into the retry taxonomy.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota // retry with backoff
	ClassSchema                      // terminal, needs data correction
	ClassConflict                    // blocked on conflict resolution
	ClassAuth                        // terminal until re-authentication
	ClassTerminal                    // no retry
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSchema:
		return "schema"
	case ClassConflict:
		return "conflict"
	case ClassAuth:
		return "auth"
	default:
		return "terminal"
	}
}

// TransportError wraps a raw transport failure with its adapter kind.
type TransportError struct {
	Kind    string // http, tcp, agent
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError marks a payload that failed validation. Non-retryable; the
// source data must be corrected upstream.
type SchemaError struct {
	Type   EntityType
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema: %s field %q: %s", e.Type, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: %s: %s", e.Type, e.Reason)
}

// AuthError marks an invalid or expired agent credential.
type AuthError struct {
	AgentID string
	Reason  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: agent %s: %s", e.AgentID, e.Reason)
}

// ExternalError carries a rejection reported by the external system, e.g. a
// LINEERROR in a Tally response envelope.
type ExternalError struct {
	Line      string
	Duplicate bool
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("external system rejected request: %s", e.Line)
}

// Classify maps any error to its taxonomy class. Unknown errors are treated
// as transient so nothing is dropped without exhausting the retry budget.
func Classify(err error) ErrorClass {
	var schemaErr *SchemaError
	var authErr *AuthError
	var extErr *ExternalError
	switch {
	case errors.As(err, &schemaErr):
		return ClassSchema
	case errors.As(err, &authErr), errors.Is(err, ErrInvalidToken):
		return ClassAuth
	case errors.Is(err, ErrConflictPending):
		return ClassConflict
	case errors.As(err, &extErr):
		if extErr.Duplicate {
			return ClassConflict
		}
		return ClassSchema
	case errors.Is(err, ErrAgentOffline),
		errors.Is(err, ErrNoTransport),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var transErr *TransportError
	if errors.As(err, &transErr) {
		return ClassTransient
	}

	return ClassTransient
}

// Code returns the user-facing error code for an error.
func Code(err error) string {
	var transErr *TransportError
	switch {
	case errors.Is(err, ErrDuplicateActiveSync):
		return ErrCodeDuplicate
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrConflictNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrConflictPending):
		return ErrCodeConflict
	case errors.Is(err, ErrAgentOffline), errors.Is(err, ErrChannelClosed):
		return ErrCodeAgentDown
	case errors.As(err, &transErr):
		if transErr.Timeout {
			return ErrCodeTimeout
		}
		return ErrCodeNetwork
	}

	switch Classify(err) {
	case ClassSchema:
		return ErrCodeSchema
	case ClassAuth:
		return ErrCodeAuth
	case ClassConflict:
		return ErrCodeConflict
	default:
		return ErrCodeNetwork
	}
}
