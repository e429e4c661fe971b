package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ProbeResult reports what a connection test observed.
type ProbeResult struct {
	Method   string        `json:"method"`
	Endpoint string        `json:"endpoint"`
	Reached  bool          `json:"reached"`
	Latency  time.Duration `json:"latency"`
	Banner   string        `json:"banner,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Probe checks whether a Tally endpoint is reachable without mutating
// anything. The http method issues a GET against the export port; a running
// instance answers with its banner. The tcp method just completes a dial.
func Probe(ctx context.Context, method, host string, port int, timeout time.Duration) ProbeResult {
	endpoint := fmt.Sprintf("%s:%d", host, port)
	res := ProbeResult{Method: method, Endpoint: endpoint}
	start := time.Now()

	switch method {
	case "tcp":
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		res.Latency = time.Since(start)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		_ = conn.Close()
		res.Reached = true

	case "http":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint, nil)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		client := &http.Client{Timeout: timeout}
		resp, err := client.Do(req)
		res.Latency = time.Since(start)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		res.Reached = resp.StatusCode == http.StatusOK
		res.Banner = strings.TrimSpace(string(body))
		if !res.Reached {
			res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}

	default:
		res.Error = fmt.Sprintf("unknown probe method %q", method)
	}
	return res
}
