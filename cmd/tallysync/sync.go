package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallybridge/tallysync/internal/agent"
	"github.com/tallybridge/tallysync/internal/models"
	"github.com/tallybridge/tallysync/internal/source"
	"github.com/tallybridge/tallysync/internal/store"
	"github.com/tallybridge/tallysync/internal/syncer"
	"github.com/tallybridge/tallysync/internal/translator"
)

var syncCmd = &cobra.Command{
	Use:   "sync <company-id>",
	Short: "Queue and run a sync for one company",
	Long: `Sync enqueues work for a company and drains the queue once. With
--entity-id a single entity is queued; with --full every entity of the
enabled types is.`,
	Example: `  tallysync sync co-1 --full
  tallysync sync co-1 --entity-type voucher --entity-id v-042 --priority high`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncCmd,
}

var (
	syncFull       bool
	syncEntityType string
	syncEntityID   string
	syncDirection  string
	syncPriority   string
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncFull, "full", false,
		"Queue every entity of the enabled types")
	syncCmd.Flags().StringVar(&syncEntityType, "entity-type", "voucher",
		"Entity type (voucher, item, party)")
	syncCmd.Flags().StringVar(&syncEntityID, "entity-id", "",
		"Single entity to queue")
	syncCmd.Flags().StringVar(&syncDirection, "direction", "to_external",
		"Sync direction (to_external, from_external, bidirectional)")
	syncCmd.Flags().StringVar(&syncPriority, "priority", "",
		"Queue priority (high, normal, low)")
}

// openEngine wires a one-shot orchestrator against the local data directory.
func openEngine() (*store.Store, *syncer.Orchestrator, func(), error) {
	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.Store.Path(), logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	manager := agent.NewManager(st, cfg.Agent, cfg.Tally, logger)
	src := source.NewClient(cfg.Source, logger)
	orch := syncer.New(st, src, manager, translator.New(logger), cfg.Sync, logger)

	cleanup := func() {
		manager.Close()
		_ = st.Close()
	}
	return st, orch, cleanup, nil
}

func runSyncCmd(cmd *cobra.Command, args []string) error {
	companyID := args[0]
	ctx := cmd.Context()

	if !syncFull && syncEntityID == "" {
		return fmt.Errorf("either --full or --entity-id is required")
	}

	priority, err := models.ParsePriority(syncPriority)
	if err != nil {
		return err
	}

	_, orch, cleanup, err := openEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	if syncFull {
		queued, err := orch.FullSync(ctx, companyID, priority)
		if err != nil {
			return err
		}
		printInfo("Queued %d entities", queued)
	} else {
		entityType, err := models.ParseEntityType(syncEntityType)
		if err != nil {
			return err
		}
		direction, err := models.ParseDirection(syncDirection)
		if err != nil {
			return err
		}
		if _, err := orch.Enqueue(ctx, companyID, entityType, syncEntityID, direction, priority); err != nil {
			return err
		}
	}

	start := time.Now()
	stats, err := orch.RunCycle(ctx, companyID)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"company_id": companyID,
			"claimed":    stats.Claimed,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
			"conflicts":  stats.Conflicts,
			"duration":   time.Since(start).Round(time.Millisecond).String(),
		})
		return nil
	}

	fmt.Printf("Claimed:   %d\n", stats.Claimed)
	fmt.Printf("Completed: %d\n", stats.Completed)
	fmt.Printf("Failed:    %d\n", stats.Failed)
	fmt.Printf("Conflicts: %d\n", stats.Conflicts)
	fmt.Printf("Duration:  %s\n", time.Since(start).Round(time.Millisecond))

	if stats.Conflicts > 0 {
		printWarning("Some entities are blocked; run \"tallysync conflicts list %s\"", companyID)
	}
	if stats.Failed == 0 && stats.Conflicts == 0 {
		printSuccess("Sync completed")
	}
	return nil
}
