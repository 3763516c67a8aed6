package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"sensorhub-server/internal/config"
	"sensorhub-server/internal/db"
	"sensorhub-server/internal/db/migrate"
	"sensorhub-server/internal/httpapi"
	"sensorhub-server/internal/metrics"
	"sensorhub-server/internal/modules/readings"
	"sensorhub-server/internal/mqtt"
)

const shutdownTimeout = 10 * time.Second

type listenFunc func(network, address string) (net.Listener, error)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	return run(ctx, cfg, logger, net.Listen)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, listen listenFunc) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"staticDir", cfg.StaticDir,
		"sqliteDriver", cfg.SQLiteDriver,
		"sqlitePath", cfg.SQLitePath,
		"sqliteMaxOpenConns", cfg.SQLiteMaxOpenConns,
		"sqliteMaxIdleConns", cfg.SQLiteMaxIdleConns,
		"sqliteConnMaxLifetime", cfg.SQLiteConnMaxLifetime,
		"alertsEnabled", cfg.AlertWebhookURL != "",
		"subscriberBuffer", cfg.SubscriberBuffer,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(dbConn); err != nil {
		return err
	}
	logger.Info("database ready")

	m, err := metrics.New()
	if err != nil {
		return err
	}

	mux := httpapi.NewMux(dbConn, cfg.StaticDir, m)
	feature := readings.RegisterFeature(mux, dbConn, cfg, m, logger)

	var mqttSubscriber *mqtt.Subscriber
	if cfg.MQTTBroker != "" {
		mqttSubscriber = mqtt.NewSubscriber(cfg, logger.With("component", "mqtt"))
		// Handler must be set before Connect: the broker may deliver right after CONNACK.
		feature.Service.Register(mqttSubscriber)
		go func() {
			if err := mqttSubscriber.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
			}
		}()
	} else {
		logger.Info("mqtt broker not configured; mqtt ingestion disabled")
	}
	disconnectMQTT := func() {
		if mqttSubscriber != nil {
			logger.Info("mqtt disconnecting")
			mqttSubscriber.Disconnect()
		}
	}

	srv := httpapi.NewServer(cfg, mux, logger)
	ln, err := listen("tcp", cfg.HTTPAddr)
	if err != nil {
		disconnectMQTT()
		feature.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		disconnectMQTT()
		feature.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	disconnectMQTT()

	logger.Info("http shutting down")
	shutdownErr := srv.Shutdown(shutdownCtx)

	// Hijacked WebSocket connections are not tracked by Shutdown; closing the
	// hub ends them.
	feature.Close()

	if shutdownErr != nil {
		return shutdownErr
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
