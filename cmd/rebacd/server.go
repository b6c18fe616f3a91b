package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rebac-core/pkg/config"
	"github.com/cuemby/rebac-core/pkg/httpapi"
	"github.com/cuemby/rebac-core/pkg/kvlog"
	"github.com/cuemby/rebac-core/pkg/log"
	"github.com/cuemby/rebac-core/pkg/metrics"
	"github.com/cuemby/rebac-core/pkg/objectstore"
	"github.com/cuemby/rebac-core/pkg/tenant"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the authorization core server",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "Path to rebacd.yaml (required)")
	_ = serverCmd.MarkFlagRequired("config")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(cfg.LogConfig())

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	kv, err := kvlog.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open mutation log: %w", err)
	}
	defer kv.Close()

	var store tenant.Store
	if cfg.ObjectStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s3Store, err := objectstore.New(ctx, *cfg.ObjectStore)
		cancel()
		if err != nil {
			return fmt.Errorf("connect to object store: %w", err)
		}
		store = s3Store
		log.Info("object store connected")
	} else {
		log.Warn("no object_store configured: schema and snapshots will not survive a restart")
	}

	registry := tenant.New(cfg.Storage.DataDir, kv, store)
	registry.Start()
	defer registry.Shutdown()

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("kvlog", true, "ready")
	metrics.RegisterComponent("tenant_registry", true, "ready")
	metrics.RegisterComponent("object_store", store != nil, componentMessage(store != nil))

	server := httpapi.NewServer(registry)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("rebacd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func componentMessage(ready bool) string {
	if ready {
		return "ready"
	}
	return "not configured"
}
