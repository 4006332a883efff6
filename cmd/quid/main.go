// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/quid/internal/api"
	"github.com/autobrr/quid/internal/api/handlers"
	"github.com/autobrr/quid/internal/backend"
	"github.com/autobrr/quid/internal/buildinfo"
	"github.com/autobrr/quid/internal/config"
	"github.com/autobrr/quid/internal/database"
	"github.com/autobrr/quid/internal/domain"
	"github.com/autobrr/quid/internal/metrics"
	"github.com/autobrr/quid/internal/models"
	"github.com/autobrr/quid/internal/torrentlist"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "quid",
		Short: "A headless torrent list mirror daemon",
		Long: `quid - A headless daemon that mirrors torrent lists from a qui
backend over REST and SSE, keeping reconciled views available locally.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/quid/ or %APPDATA%\\quid\\). For backward compatibility, can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of quid",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/quid/config.toml
- Windows: %APPDATA%\quid\config.toml

You can specify either a directory path or a direct file path:
- Directory: quid generate-config --config-dir /path/to/config/
- File: quid generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("QUID__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("QUID__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting quid")

	if cfg.Config.BackendURL == "" {
		log.Fatal().Msg("No backend URL configured, set backendUrl in config.toml")
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	settingsStore := models.NewSettingsStore(db)
	sessionStore := models.NewListSessionStore(db)

	backendClient := backend.NewClient(cfg.Config.BackendURL, cfg.Config.BackendAPIKey, buildinfo.UserAgent)

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := backendClient.Probe(probeCtx); err != nil {
		log.Warn().Err(err).Msg("Backend probe failed, sessions will run on polling only")
	}
	probeCancel()

	rememberBackendVersion(context.Background(), settingsStore, backendClient.BackendVersion())

	collector := metrics.NewCollector()

	registry := torrentlist.NewRegistry(
		backendClient,
		collector,
		cfg.Config.PollInterval(),
		cfg.Config.CrossInstancePollInterval(),
	)
	registry.SetStreamMaxRetries(cfg.Config.StreamMaxReconnectRetries)
	defer registry.Close()

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		registry.UpdatePollInterval(conf.PollInterval())
	})

	restorePersistedSessions(context.Background(), sessionStore, registry)

	httpServer := api.NewServer(&api.Dependencies{
		Config:        cfg,
		Version:       buildinfo.Version,
		BackendClient: backendClient,
		Registry:      registry,
		SessionStore:  sessionStore,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if cfg.Config.MetricsEnabled {
		go func() {
			metricsServer := metrics.NewServer(
				collector,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
				cfg.Config.MetricsBasicAuthUsers,
			)
			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}
}

// rememberBackendVersion persists the last probed backend version and warns
// when it changed since the previous run.
func rememberBackendVersion(ctx context.Context, store *models.SettingsStore, version string) {
	if version == "" {
		return
	}

	var previous string
	if err := store.Get(ctx, "backendVersion", &previous); err != nil && !errors.Is(err, models.ErrSettingNotFound) {
		log.Warn().Err(err).Msg("Failed to load stored backend version")
	}

	if previous != "" && previous != version {
		log.Info().
			Str("previous", previous).
			Str("current", version).
			Msg("Backend version changed since last run")
	}

	if err := store.Set(ctx, "backendVersion", version); err != nil {
		log.Warn().Err(err).Msg("Failed to store backend version")
	}
}

// restorePersistedSessions re-acquires list sessions that were active when the
// daemon last shut down.
func restorePersistedSessions(ctx context.Context, store *models.ListSessionStore, registry *torrentlist.Registry) {
	sessions, err := store.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted list sessions")
		return
	}

	for _, stored := range sessions {
		var params handlers.SessionParams
		if err := json.Unmarshal(stored.Params, &params); err != nil {
			log.Warn().Err(err).Str("sessionID", stored.ID).Msg("Dropping unreadable persisted session")
			if err := store.Delete(ctx, stored.ID); err != nil {
				log.Warn().Err(err).Str("sessionID", stored.ID).Msg("Failed to delete unreadable persisted session")
			}
			continue
		}

		registry.Acquire(backend.TorrentListRequest{
			InstanceID: params.InstanceID,
			Limit:      params.Limit,
			Sort:       params.Sort,
			Order:      params.Order,
			Search:     params.Search,
			Filters:    params.Filters,
		})

		log.Debug().
			Str("sessionID", stored.ID).
			Int("instanceID", params.InstanceID).
			Msg("Restored persisted list session")
	}

	if len(sessions) > 0 {
		log.Info().Int("count", len(sessions)).Msg("Restored persisted list sessions")
	}
}
