package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorhub-server/internal/app"
	"sensorhub-server/internal/config"
	"sensorhub-server/internal/db"
	"sensorhub-server/internal/db/migrate"
	"sensorhub-server/internal/logging"
	"sensorhub-server/internal/mqtt"
	"sensorhub-server/internal/simulator"
)

const appName = "sensorhub-server"

// version is "dev" unless set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// ENV_FILE= (set but empty) skips the .env file.
	envFile, ok := os.LookupEnv("ENV_FILE")
	if !ok {
		envFile = ".env"
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		serve(cfg, logger)
	case "migrate":
		if err := runMigrations(cfg, logger); err != nil {
			logger.Error("migrate failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	case "simulate":
		if err := simulate(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("simulate failed", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (allowed: serve, migrate, simulate)\n", command)
		os.Exit(2)
	}
}

func serve(cfg config.Config, logger *slog.Logger) {
	logger.Info("starting",
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run failed", "error", err)
		stop()
		os.Exit(1)
	}

	logger.Info("shutting down")
}

func runMigrations(cfg config.Config, logger *slog.Logger) error {
	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(dbConn); err != nil {
			logger.Error("db close", "error", err)
		}
	}()
	return migrate.Run(dbConn)
}

func simulate(cfg config.Config, logger *slog.Logger) error {
	if cfg.MQTTBroker == "" {
		return errors.New("MQTT_BROKER is required for simulate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub := mqtt.NewPublisher(cfg, cfg.MQTTClientID+"-"+cfg.SimDeviceID, logger.With("component", "mqtt"))
	defer pub.Disconnect()

	if err := pub.Connect(ctx); err != nil {
		return err
	}

	logger.Info("simulating device",
		"device_id", cfg.SimDeviceID,
		"interval", cfg.SimInterval,
		"topic", cfg.MQTTTopic,
	)
	sim := simulator.New(pub, cfg.SimDeviceID, cfg.SimInterval, uint64(time.Now().UnixNano()), logger)
	return sim.Run(ctx)
}
