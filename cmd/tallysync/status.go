package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallybridge/tallysync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <company-id>",
	Short: "Show sync statistics and agent connections for a company",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	companyID := args[0]

	_, orch, cleanup, err := openEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := orch.Status(cmd.Context(), companyID)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(report)
		return nil
	}

	fmt.Printf("Company: %s\n\n", report.CompanyID)
	fmt.Printf("Queue:\n")
	fmt.Printf("  Pending:   %d\n", report.Statistics.Pending)
	fmt.Printf("  Syncing:   %d\n", report.Statistics.Syncing)
	fmt.Printf("  Completed: %d\n", report.Statistics.Completed)
	fmt.Printf("  Failed:    %d\n", report.Statistics.Failed)
	if report.Statistics.Conflicts > 0 {
		printWarning("  Open conflicts: %d", report.Statistics.Conflicts)
	}

	fmt.Printf("\nAgent connections:\n")
	if len(report.Connections) == 0 {
		fmt.Println("  (none)")
	}
	for _, conn := range report.Connections {
		line := fmt.Sprintf("  %-20s %-12s last heartbeat %s",
			conn.AgentID, conn.State, formatAge(conn.LastHeartbeatAt))
		switch conn.State {
		case models.ConnConnected:
			printSuccess("%s", line)
		case models.ConnDegraded:
			printWarning("%s", line)
		default:
			printError("%s", line)
		}
	}

	if len(report.PendingSyncs) > 0 {
		fmt.Printf("\nNext in queue:\n")
		for _, rec := range report.PendingSyncs {
			fmt.Printf("  %-8s %-8s %-24s %s\n", rec.Priority, rec.Type, rec.EntityID, rec.Direction)
		}
	}
	return nil
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
