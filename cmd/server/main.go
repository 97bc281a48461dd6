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

	"github.com/Tyrowin/dashrouter/internal/events"
	"github.com/Tyrowin/dashrouter/internal/logging"
	"github.com/Tyrowin/dashrouter/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port     string
		logLevel string
		natsURL  string
		delay    time.Duration
		envFile  string
	)

	cmd := &cobra.Command{
		Use:          "dashrouter",
		Short:        "WebSocket router for instance lifecycle and chat",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			envErr := godotenv.Load(envFile)

			cfg := server.NewConfigFromEnv()
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("nats-url") {
				cfg.NATSURL = natsURL
			}
			if flags.Changed("delay") {
				cfg.OperationDelay = delay
			}

			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
				logger.Warn("could not load env file", zap.String("file", envFile), zap.Error(envErr))
			}

			return run(*cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&port, "port", "", "listen address, e.g. :7070 (env PORT)")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	f.StringVar(&natsURL, "nats-url", "", "NATS server for domain events; empty disables publishing (env NATS_URL)")
	f.DurationVar(&delay, "delay", 0, "latency of deferred instance operations (env OPERATION_DELAY)")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	return cmd
}

func run(cfg server.Config, logger *zap.Logger) error {
	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("event publishing disabled", zap.String("url", cfg.NATSURL), zap.Error(err))
		} else {
			pub = np
		}
	}
	defer pub.Close()

	srv := server.New(cfg, logger, pub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
		return nil
	case sig := <-quit:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
