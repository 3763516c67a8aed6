package service

import (
	"context"
	"log/slog"

	"sensorhub-server/internal/modules/readings/types"
	"sensorhub-server/internal/mqtt"
)

// registerMQTTHandler feeds device telemetry through the same pipeline as
// POST /api/readings.
func registerMQTTHandler(subscriber mqtt.MQTTSubscriber, s *Service, logger *slog.Logger) {
	subscriber.SetMessageHandler(func(ctx context.Context, t mqtt.Telemetry) error {
		rec, err := s.Ingest(ctx, types.ReadingInput{
			Temperature: t.Temperature,
			Humidity:    t.Humidity,
		})
		if err != nil {
			return err
		}

		logger.Debug("stored mqtt reading", "device_id", t.DeviceID, "id", rec.ID)
		return nil
	})
}
