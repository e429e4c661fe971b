package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tallybridge/tallysync/internal/agent"
	"github.com/tallybridge/tallysync/internal/api"
	"github.com/tallybridge/tallysync/internal/source"
	"github.com/tallybridge/tallysync/internal/store"
	"github.com/tallybridge/tallysync/internal/syncer"
	"github.com/tallybridge/tallysync/internal/translator"
)

const version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and its control surface",
	Long: `Serve starts the long-lived engine: the HTTP control surface, the
agent websocket endpoint, the connection health sweeper, and the
per-company auto-sync scheduler.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.Store.Path(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	manager := agent.NewManager(st, cfg.Agent, cfg.Tally, logger)
	defer manager.Close()

	src := source.NewClient(cfg.Source, logger)
	trans := translator.New(logger)
	orch := syncer.New(st, src, manager, trans, cfg.Sync, logger)

	handler := api.NewHandler(orch, st, manager, version, logger)
	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.NewRouter(handler, logger),
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go manager.Run(ctx)
	go orch.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("Control surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
