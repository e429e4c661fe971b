package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallybridge/tallysync/internal/agent"
)

var testConnCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Probe a Tally endpoint without touching data",
	Example: `  tallysync test-connection --method http --host 192.168.1.20 --port 9000
  tallysync test-connection --method tcp --port 9001`,
	RunE: runTestConn,
}

var (
	probeMethod  string
	probeHost    string
	probePort    int
	probeTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(testConnCmd)

	testConnCmd.Flags().StringVar(&probeMethod, "method", "http",
		"Probe method (http, tcp)")
	testConnCmd.Flags().StringVar(&probeHost, "host", "",
		"Host to probe (defaults to the configured Tally host)")
	testConnCmd.Flags().IntVar(&probePort, "port", 0,
		"Port to probe (defaults to the configured Tally port)")
	testConnCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second,
		"Probe timeout")
}

func runTestConn(cmd *cobra.Command, args []string) error {
	host := probeHost
	port := probePort
	if host == "" {
		if probeMethod == "tcp" {
			host = cfg.Tally.TCPHost
		} else {
			host = cfg.Tally.HTTPHost
		}
	}
	if port == 0 {
		if probeMethod == "tcp" {
			port = cfg.Tally.TCPPort
		} else {
			port = cfg.Tally.HTTPPort
		}
	}

	result := agent.Probe(cmd.Context(), probeMethod, host, port, probeTimeout)

	if jsonOutput {
		printJSON(result)
		if !result.Reached {
			return fmt.Errorf("endpoint unreachable")
		}
		return nil
	}

	if result.Reached {
		printSuccess("%s reachable via %s (%s)", result.Endpoint, result.Method,
			result.Latency.Round(time.Millisecond))
		if result.Banner != "" {
			printInfo("Banner: %s", result.Banner)
		}
		return nil
	}

	printError("%s unreachable via %s: %s", result.Endpoint, result.Method, result.Error)
	return fmt.Errorf("endpoint unreachable")
}
