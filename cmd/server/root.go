package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/floorsync/internal/logging"
	"github.com/Tyrowin/floorsync/internal/presence"
	"github.com/Tyrowin/floorsync/internal/server"
	"github.com/Tyrowin/floorsync/internal/store"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	envFile    string
	port       string
)

var rootCmd = &cobra.Command{
	Use:   "floorsync",
	Short: "Realtime floor presence and broadcast server",
	Long: `floorsync keeps track of which WebSocket connections are on which floor
and fans presence updates and relayed messages out to the members of a floor.

Examples:
  floorsync                              # defaults, in-memory store on :8080
  floorsync --config floorsync.yaml      # load and watch a YAML config file
  floorsync --env-file .env --port :9090`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (reloaded on change)")
	rootCmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file loaded before reading the environment")
	rootCmd.Flags().StringVarP(&port, "port", "p", "", "listen address, overrides config and SERVER_PORT")
}

func run(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, "floorsync")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	logIgnoredOrigins(logger, server.SetConfig(cfg))
	cfgNow := server.CurrentConfig()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connStore, closeStore, err := store.Open(ctx, cfgNow.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Error closing connection store", zap.Error(err))
		}
	}()

	hub := server.NewHub(logger)
	index := presence.NewFloorIndex(connStore)
	broadcaster := presence.NewBroadcaster(index, connStore, hub, logger,
		presence.WithFanOut(cfgNow.Broadcast.FanOut),
		presence.WithSendTimeout(cfgNow.Broadcast.SendTimeout),
		presence.WithPruneStale(cfgNow.Broadcast.PruneStale),
	)
	router := presence.NewRouter(connStore, index, broadcaster, logger,
		presence.WithEventTimeout(cfgNow.EventTimeout),
	)

	srv := server.NewServer(hub, router, logger)
	httpServer := server.CreateServer(cfgNow.Port, srv.SetupRoutes())

	server.StartHub(hub)

	if configPath != "" {
		go func() {
			err := server.WatchConfig(ctx, configPath, logger, func(next *server.Config) {
				server.PinRestartOnly(cfgNow, next)
				logIgnoredOrigins(logger, server.SetConfig(next))
			})
			if err != nil {
				logger.Error("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	var shutdownErr error
	if err := server.ShutdownServer(httpServer, shutdownTimeout, logger); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("hub shutdown: %w", err))
	}
	return shutdownErr
}

func logIgnoredOrigins(logger *zap.Logger, origins []string) {
	for _, origin := range origins {
		logger.Warn("Ignoring invalid origin in configuration", zap.String("origin", origin))
	}
}
