package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"sensorhub-server/internal/metrics"
	"sensorhub-server/internal/modules/readings/hub"
	"sensorhub-server/internal/modules/readings/repository"
	"sensorhub-server/internal/modules/readings/types"
	"sensorhub-server/internal/mqtt"
)

// ErrInvalidReading is returned by Ingest when the input is incomplete.
var ErrInvalidReading = errors.New("invalid reading")

// Notifier receives every persisted reading after it has been broadcast.
type Notifier interface {
	Notify(r types.Reading)
}

// Recorder receives ingestion outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	ReadingIngested()
	IngestFailed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) ReadingIngested()    {}
func (nopRecorder) IngestFailed(string) {}

type Service struct {
	repository repository.ReadingRepository
	hub        *hub.Hub
	notifier   Notifier
	recorder   Recorder
	logger     *slog.Logger

	// mu orders persist+publish against each other and against new
	// subscribers taking their initial snapshot.
	mu sync.Mutex
}

func NewService(repo repository.ReadingRepository, h *hub.Hub, notifier Notifier, recorder Recorder, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repository: repo,
		hub:        h,
		notifier:   notifier,
		recorder:   recorder,
		logger:     logger,
	}
}

func validate(in types.ReadingInput) error {
	switch {
	case in.Temperature == nil && in.Humidity == nil:
		return fmt.Errorf("%w: temperature and humidity are required", ErrInvalidReading)
	case in.Temperature == nil:
		return fmt.Errorf("%w: temperature is required", ErrInvalidReading)
	case in.Humidity == nil:
		return fmt.Errorf("%w: humidity is required", ErrInvalidReading)
	case math.IsNaN(*in.Temperature) || math.IsInf(*in.Temperature, 0):
		return fmt.Errorf("%w: temperature must be a finite number", ErrInvalidReading)
	case math.IsNaN(*in.Humidity) || math.IsInf(*in.Humidity, 0):
		return fmt.Errorf("%w: humidity must be a finite number", ErrInvalidReading)
	}
	return nil
}

// Ingest validates, persists and broadcasts one reading, then hands it to the
// notifier. Nothing is broadcast or notified when validation or the insert
// fails.
func (s *Service) Ingest(ctx context.Context, in types.ReadingInput) (types.Reading, error) {
	if err := validate(in); err != nil {
		s.recorder.IngestFailed(metrics.ReasonInvalid)
		return types.Reading{}, err
	}

	s.mu.Lock()
	rec, err := s.repository.Insert(ctx, *in.Temperature, *in.Humidity)
	if err != nil {
		s.mu.Unlock()
		s.recorder.IngestFailed(metrics.ReasonStorage)
		return types.Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	s.hub.PublishNewReading(rec)
	s.mu.Unlock()

	s.recorder.ReadingIngested()
	s.logger.Debug("reading ingested", "id", rec.ID, "temperature", rec.Temperature, "humidity", rec.Humidity)

	if s.notifier != nil {
		s.notifier.Notify(rec)
	}
	return rec, nil
}

func (s *Service) Latest(ctx context.Context) (types.Reading, error) {
	return s.repository.Latest(ctx)
}

func (s *Service) Recent(ctx context.Context, limit int) ([]types.Reading, error) {
	return s.repository.Recent(ctx, limit)
}

// Subscribe registers a push subscriber and queues the newest reading to it,
// if there is one. The returned subscriber must be released with Unsubscribe.
func (s *Service) Subscribe(ctx context.Context) *hub.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.hub.Subscribe()
	latest, err := s.repository.Latest(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		s.logger.Warn("initial sync skipped", "subscriber_id", sub.ID, "error", err)
	default:
		s.hub.SyncLatest(sub, latest)
	}
	return sub
}

func (s *Service) Unsubscribe(sub *hub.Subscriber) {
	s.hub.Unsubscribe(sub)
}

// Register attaches the ingestion pipeline to an MQTT subscriber.
func (s *Service) Register(subscriber mqtt.MQTTSubscriber) {
	registerMQTTHandler(subscriber, s, s.logger)
}
