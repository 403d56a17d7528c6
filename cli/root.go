// Package cli provides the command-line interface for the collabd
// collaboration server. It orchestrates the complete service lifecycle:
// configuration loading, logger setup, store and cache initialization,
// room registry startup, gateway startup and graceful shutdown.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (COLLABD_ prefix)
//  3. Configuration file values
//  4. Default values
//
// Example Usage:
//
//	# Start with a configuration file
//	collabd --config /etc/collabd/config.yaml
//
//	# Start with environment variables
//	export COLLABD_AUTH_SECRET=change-me
//	export COLLABD_DATABASE_DRIVER=postgres
//	export COLLABD_DATABASE_URL=postgres://localhost:5432/collab
//	collabd
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"collab.evalgo.org/auth"
	"collab.evalgo.org/collab"
	"collab.evalgo.org/common"
	"collab.evalgo.org/config"
	"collab.evalgo.org/gateway"
	"collab.evalgo.org/store"
	"collab.evalgo.org/version"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. Empty means the default search paths are used.
var cfgFile string

// RootCmd is the collabd entry point.
var RootCmd = &cobra.Command{
	Use:   "collabd",
	Short: "real-time collaborative document server",
	Long: `collabd - Real-Time Collaboration Server

A websocket server for collaborative document editing:
- JWT-authenticated websocket sessions
- Per-document rooms with conflict-free state merging
- Durable persistence on PostgreSQL or an embedded bbolt database
- Optional redis metadata cache with live presence tracking
- REST endpoints for login, document management and access control

Configuration can be provided via command-line flags, environment
variables (COLLABD_ prefix) or YAML configuration files.`,
	RunE: runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	RootCmd.AddCommand(hashPasswordCmd)
	RootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build information embedded in the binary.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "collabd %s (%s)\n", info.Version, info.GoVersion)
	},
}

// hashPasswordCmd generates a bcrypt hash for the static credential table.
var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "generate a bcrypt hash for a credential entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

// Execute runs the CLI. Called from main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("collabd failed")
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logCfg := common.DefaultLoggerConfig()
	logCfg.Level = common.LogLevel(cfg.LogLevel)
	logCfg.Service = "collabd"
	if cfg.LogJSON {
		logCfg.Format = "json"
	}
	logger := common.NewLogger(logCfg)
	log := common.ComponentLogger(logger, "collabd")

	docs, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	defer docs.Close()
	log.WithField("driver", cfg.Database.Driver).Info("document store ready")

	var cache *store.MetadataCache
	if cfg.Redis.URL != "" {
		cache, err = store.NewMetadataCache(cfg.Redis.URL, cfg.Redis.TTL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer cache.Close()
		log.Info("metadata cache ready")
	}

	tokens := auth.NewTokenService(cfg.Auth.Secret, cfg.Auth.TokenExpiration, cfg.Auth.Issuer)

	registry := collab.NewRegistry(collab.Config{
		PersistInterval:         cfg.Collab.PersistInterval,
		SnapshotUpdateThreshold: cfg.Collab.SnapshotUpdateThreshold,
		SnapshotTimeThreshold:   cfg.Collab.SnapshotTimeThreshold,
		RoomIdleTTL:             cfg.Collab.RoomIdleTTL,
		JoinDeadline:            cfg.Collab.JoinDeadline,
	}, docs, cache, logger)

	gw := gateway.New(*cfg, registry, docs, cache, tokens, loadCredentials(), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := gw.Shutdown(); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
		close(done)
	}()
	select {
	case <-done:
		log.Info("shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("shutdown deadline exceeded")
	}
	return nil
}

func openStore(cfg *config.Config) (store.DocumentStore, error) {
	switch cfg.Database.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return store.OpenPostgres(ctx, cfg.Database.URL)
	case "bolt":
		return store.OpenBolt(cfg.Database.Path)
	default:
		return nil, fmt.Errorf("unknown database driver: %q", cfg.Database.Driver)
	}
}

// loadCredentials builds the static credential table from the
// COLLABD_USERS environment variable. The format is
// id:displayName:role:bcryptHash entries separated by commas; empty
// disables password login (tokens must then be issued elsewhere).
func loadCredentials() auth.CredentialVerifier {
	raw := os.Getenv("COLLABD_USERS")
	if raw == "" {
		return nil
	}
	creds, err := auth.ParseStaticCredentials(raw)
	if err != nil {
		common.Logger.WithError(err).Warn("invalid COLLABD_USERS, password login disabled")
		return nil
	}
	return creds
}
