// Package simulator publishes synthetic readings over MQTT for local
// development against a real broker.
package simulator

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"sensorhub-server/internal/mqtt"
)

const (
	startTemperature = 24.0
	startHumidity    = 50.0

	maxTemperatureStep = 0.5
	maxHumidityStep    = 1.5

	minTemperature = -10.0
	maxTemperature = 45.0
)

type Publisher interface {
	Publish(t mqtt.Telemetry) error
}

// Simulator is a single device whose readings follow a bounded random walk.
type Simulator struct {
	publisher   Publisher
	deviceID    string
	interval    time.Duration
	rng         *rand.Rand
	logger      *slog.Logger
	temperature float64
	humidity    float64
}

func New(publisher Publisher, deviceID string, interval time.Duration, seed uint64, logger *slog.Logger) *Simulator {
	return &Simulator{
		publisher:   publisher,
		deviceID:    deviceID,
		interval:    interval,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:      logger,
		temperature: startTemperature,
		humidity:    startHumidity,
	}
}

// Next advances the walk and returns the new telemetry message.
func (s *Simulator) Next() mqtt.Telemetry {
	s.temperature = clamp(s.temperature+s.step(maxTemperatureStep), minTemperature, maxTemperature)
	s.humidity = clamp(s.humidity+s.step(maxHumidityStep), 0, 100)

	temp := round1(s.temperature)
	hum := round1(s.humidity)
	return mqtt.Telemetry{
		DeviceID:    s.deviceID,
		Temperature: &temp,
		Humidity:    &hum,
	}
}

// Run publishes one reading per interval until ctx is done. Publish failures
// are logged and the loop carries on.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.publishOne()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Simulator) publishOne() {
	t := s.Next()
	if err := s.publisher.Publish(t); err != nil {
		s.logger.Warn("simulator: failed to publish reading", "device_id", s.deviceID, "error", err)
		return
	}
	s.logger.Info("simulator: reading published",
		"device_id", s.deviceID,
		"temperature", *t.Temperature,
		"humidity", *t.Humidity,
	)
}

func (s *Simulator) step(maxStep float64) float64 {
	return (s.rng.Float64()*2 - 1) * maxStep
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
