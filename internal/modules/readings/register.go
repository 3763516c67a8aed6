package readings

import (
	"database/sql"
	"log/slog"
	"net/http"

	"sensorhub-server/internal/config"
	"sensorhub-server/internal/metrics"
	"sensorhub-server/internal/modules/readings/alert"
	"sensorhub-server/internal/modules/readings/controller"
	"sensorhub-server/internal/modules/readings/hub"
	"sensorhub-server/internal/modules/readings/repository"
	"sensorhub-server/internal/modules/readings/service"
)

// Feature holds the long-lived parts of the readings module that the
// application must shut down.
type Feature struct {
	Service *service.Service
	Hub     *hub.Hub
	Alerts  *alert.Sink
}

func RegisterFeature(mux *http.ServeMux, db *sql.DB, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *Feature {
	readingsRepository := repository.NewRepository(db)
	readingsHub := hub.New(cfg.SubscriberBuffer, m, logger.With("component", "hub"))
	alertSink := alert.New(cfg.AlertWebhookURL, cfg.AlertTimeout, m, logger.With("component", "alert"))
	readingsService := service.NewService(readingsRepository, readingsHub, alertSink, m, logger.With("component", "ingest"))

	readingsController := controller.NewReadingsController(readingsService, controller.Options{
		PingInterval:   cfg.WSPingInterval,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Recorder:       m,
	})
	readingsController.RegisterRoutes(mux)

	if cfg.AlertWebhookURL == "" {
		logger.Info("alert webhook not configured; alerts disabled")
	}

	return &Feature{
		Service: readingsService,
		Hub:     readingsHub,
		Alerts:  alertSink,
	}
}

// Close stops push delivery and waits for in-flight alerts.
func (f *Feature) Close() {
	f.Hub.Close()
	f.Alerts.Wait()
}
