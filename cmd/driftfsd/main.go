package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftfs/driftfs/pkg/api"
	"github.com/driftfs/driftfs/pkg/config"
	"github.com/driftfs/driftfs/pkg/engine"
	"github.com/driftfs/driftfs/pkg/log"
	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "driftfsd",
	Short:   "driftfsd is the availability engine's single-process coordinator",
	Long:    `driftfsd tracks file metadata and replica placement across a set of storage nodes, and keeps every file at its configured replication factor.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("driftfsd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "", "Path to a YAML config file (optional, defaults layered under env overrides)")
	serveCmd.Flags().String("data-dir", "", "Override the metadata store directory")
	serveCmd.Flags().String("listen-addr", "", "Override the HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator: metadata store, background loops, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
			cfg.ListenAddr = v
		}

		eng, err := engine.New(cfg)
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}

		metrics.SetVersion(Version)
		eng.Start()
		log.Logger.Info().Str("data_dir", cfg.DataDir).Msg("engine started")

		httpServer := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.New(eng).Handler(),
		}
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("http api listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			log.Logger.Error().Err(err).Msg("http server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
		}

		if err := eng.Shutdown(); err != nil {
			return fmt.Errorf("shutdown engine: %w", err)
		}
		log.Logger.Info().Msg("shutdown complete")
		return nil
	},
}
