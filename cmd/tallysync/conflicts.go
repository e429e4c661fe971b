package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tallybridge/tallysync/internal/models"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list <company-id>",
	Short: "List a company's conflicts",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict and queue the winning state",
	Example: `  tallysync conflicts resolve 01J3... --strategy local_wins
  tallysync conflicts resolve 01J3... --strategy merged --merged-file fixed.json`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

var (
	conflictsAll    bool
	resolveStrategy string
	mergedFile      string
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false,
		"Include resolved conflicts")

	conflictsResolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "",
		"Resolution strategy (local_wins, external_wins, merged)")
	conflictsResolveCmd.Flags().StringVar(&mergedFile, "merged-file", "",
		"JSON snapshot file for the merged strategy")
	_ = conflictsResolveCmd.MarkFlagRequired("strategy")
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	companyID := args[0]

	st, _, cleanup, err := openEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	state := models.ConflictOpen
	if conflictsAll {
		state = ""
	}

	conflicts, err := st.ListConflicts(cmd.Context(), companyID, state)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(conflicts)
		return nil
	}

	if len(conflicts) == 0 {
		printSuccess("No conflicts")
		return nil
	}
	for _, c := range conflicts {
		fmt.Printf("%s  %-8s %-18s %-10s %s\n",
			c.ID, c.Type, c.Kind, c.State, c.EntityID)
	}
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	conflictID := args[0]

	resolution, err := models.ParseResolution(resolveStrategy)
	if err != nil {
		return err
	}

	var merged *models.EntitySnapshot
	if resolution == models.ResolveMerged {
		if mergedFile == "" {
			return fmt.Errorf("--merged-file is required for the merged strategy")
		}
		data, err := os.ReadFile(mergedFile)
		if err != nil {
			return fmt.Errorf("read merged snapshot: %w", err)
		}
		merged = &models.EntitySnapshot{}
		if err := json.Unmarshal(data, merged); err != nil {
			return fmt.Errorf("parse merged snapshot: %w", err)
		}
	}

	_, orch, cleanup, err := openEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := orch.ResolveConflict(cmd.Context(), conflictID, resolution, merged)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"conflict_id": conflictID,
			"resolution":  resolution,
			"follow_up":   rec,
		})
		return nil
	}

	printSuccess("Conflict resolved with %s", resolution)
	if rec != nil {
		printInfo("Follow-up sync queued: %s", rec.ID)
	}
	return nil
}
