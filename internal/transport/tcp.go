package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

// maxFrameSize bounds a single response frame. Tally replies are small; a
// frame larger than this indicates a framing error, not a legitimate payload.
const maxFrameSize = 16 << 20

// TCPAdapter frames XML envelopes over a raw socket: 4-byte big-endian
// length prefix, then the body. A fresh connection is dialed per call.
type TCPAdapter struct {
	addr    string
	timeout time.Duration
	logger  *events.Logger

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewTCPAdapter creates a TCP adapter for host:port.
func NewTCPAdapter(host string, port int, timeout time.Duration, logger *events.Logger) *TCPAdapter {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &TCPAdapter{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: timeout,
		logger:  logger.WithField("component", "tcp_adapter"),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}
}

// Kind identifies the adapter.
func (a *TCPAdapter) Kind() string { return "tcp" }

// Send writes one frame and reads one frame back. Dial failures get a
// single immediate redial.
func (a *TCPAdapter) Send(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	conn, err := a.dial(ctx, a.addr)
	if err != nil {
		a.logger.WithError(err).Debug("Dial failed, retrying once")
		conn, err = a.dial(ctx, a.addr)
	}
	if err != nil {
		return nil, a.wrap("dial", ctx, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, req.Body); err != nil {
		return nil, a.wrap("write", ctx, err)
	}

	body, err := readFrame(conn)
	if err != nil {
		return nil, a.wrap("read", ctx, err)
	}

	duration := time.Since(start)
	a.logger.WithFields(map[string]interface{}{
		"addr":     a.addr,
		"size":     len(body),
		"duration": duration,
	}).Debug("Frame exchange complete")

	return &Response{Body: body, Duration: duration}, nil
}

// Close is a no-op; connections are per-call.
func (a *TCPAdapter) Close() error { return nil }

func (a *TCPAdapter) wrap(op string, ctx context.Context, err error) error {
	timeout := errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &models.TransportError{Kind: a.Kind(), Op: op, Timeout: timeout, Err: err}
}

// writeFrame emits one length-prefixed frame.
func writeFrame(w io.Writer, body []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
