package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"sensorhub-server/internal/modules/readings/types"
)

// Threshold is the temperature in °C above which a reading raises an alert.
const Threshold = 30.0

// Result labels passed to Recorder.Alert.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Recorder receives alert outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	Alert(result string)
}

type nopRecorder struct{}

func (nopRecorder) Alert(string) {}

type payload struct {
	Content string `json:"content"`
}

// Sink posts high-temperature notifications to a webhook.
type Sink struct {
	url      string
	client   *resty.Client
	recorder Recorder
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New returns a sink posting to webhookURL. An empty URL disables delivery.
func New(webhookURL string, timeout time.Duration, recorder Recorder, logger *slog.Logger) *Sink {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Sink{
		url:      webhookURL,
		client:   client,
		recorder: recorder,
		logger:   logger,
	}
}

// Message formats the notification text for r.
func Message(r types.Reading) string {
	return fmt.Sprintf("High temperature alert: %.1f°C, humidity %.1f%% (reading #%d at %s)",
		r.Temperature, r.Humidity, r.ID, r.CreatedAt)
}

// Notify dispatches an alert for r in the background when the sink is
// configured and r is above Threshold. It never blocks on the webhook.
func (s *Sink) Notify(r types.Reading) {
	if s.url == "" || r.Temperature <= Threshold {
		s.recorder.Alert(ResultSkipped)
		return
	}

	msg := Message(r)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(r, msg)
	}()
}

func (s *Sink) send(r types.Reading, msg string) {
	resp, err := s.client.R().
		SetBody(payload{Content: msg}).
		Post(s.url)
	if err != nil {
		s.recorder.Alert(ResultFailed)
		s.logger.Error("alert webhook request failed", "id", r.ID, "error", err)
		return
	}
	if resp.IsError() {
		s.recorder.Alert(ResultFailed)
		s.logger.Error("alert webhook rejected",
			"id", r.ID,
			"status", resp.StatusCode(),
			"body", truncate(resp.String(), 256),
		)
		return
	}

	s.recorder.Alert(ResultSent)
	s.logger.Info("alert sent", "id", r.ID, "temperature", r.Temperature)
}

// Wait blocks until every dispatched alert has finished.
func (s *Sink) Wait() {
	s.wg.Wait()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
