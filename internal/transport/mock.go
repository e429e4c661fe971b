package transport

import (
	"context"
	"sync"
)

// Mock provides a scripted transport for tests.
type Mock struct {
	mu sync.Mutex

	// KindName reported by Kind; defaults to "mock".
	KindName string

	// Responses are returned in order; the last one repeats.
	Responses []*Response

	// Errs are returned in order alongside Responses; nil entries succeed.
	Errs []error

	// Requests records every Send call.
	Requests []*Request

	calls  int
	closed bool
}

// NewMock creates a mock transport.
func NewMock() *Mock {
	return &Mock{KindName: "mock"}
}

// Script appends one response/error pair.
func (m *Mock) Script(resp *Response, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	m.Errs = append(m.Errs, err)
	return m
}

// Kind reports the configured kind.
func (m *Mock) Kind() string {
	if m.KindName == "" {
		return "mock"
	}
	return m.KindName
}

// Send records the request and replays the script.
func (m *Mock) Send(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++

	if idx < 0 {
		return &Response{Body: []byte{}}, nil
	}
	if err := m.Errs[idx]; err != nil {
		return nil, err
	}
	return m.Responses[idx], nil
}

// Calls returns how many times Send ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close marks the mock closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close ran.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
