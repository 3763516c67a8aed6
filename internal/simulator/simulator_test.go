package simulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sensorhub-server/internal/mqtt"
)

type recordingPublisher struct {
	mu       sync.Mutex
	attempts int
	sent     []mqtt.Telemetry
	err      error
}

func (p *recordingPublisher) Publish(t mqtt.Telemetry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, t)
	return nil
}

func (p *recordingPublisher) snapshot() (int, []mqtt.Telemetry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts, append([]mqtt.Telemetry(nil), p.sent...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNext_StaysInRange(t *testing.T) {
	s := New(&recordingPublisher{}, "sim-1", time.Second, 42, discardLogger())

	for i := 0; i < 10000; i++ {
		tm := s.Next()
		if tm.DeviceID != "sim-1" {
			t.Fatalf("DeviceID = %q, want sim-1", tm.DeviceID)
		}
		if tm.Temperature == nil || tm.Humidity == nil {
			t.Fatalf("step %d: missing values %+v", i, tm)
		}
		if *tm.Temperature < minTemperature || *tm.Temperature > maxTemperature {
			t.Fatalf("step %d: temperature %v out of range", i, *tm.Temperature)
		}
		if *tm.Humidity < 0 || *tm.Humidity > 100 {
			t.Fatalf("step %d: humidity %v out of range", i, *tm.Humidity)
		}
	}
}

func TestNext_SameSeedSameWalk(t *testing.T) {
	a := New(&recordingPublisher{}, "a", time.Second, 7, discardLogger())
	b := New(&recordingPublisher{}, "b", time.Second, 7, discardLogger())

	for i := 0; i < 100; i++ {
		ta, tb := a.Next(), b.Next()
		if *ta.Temperature != *tb.Temperature || *ta.Humidity != *tb.Humidity {
			t.Fatalf("step %d: %v/%v != %v/%v", i, *ta.Temperature, *ta.Humidity, *tb.Temperature, *tb.Humidity)
		}
	}
}

func TestNext_SmallSteps(t *testing.T) {
	s := New(&recordingPublisher{}, "sim", time.Second, 1, discardLogger())

	prev := s.Next()
	for i := 0; i < 1000; i++ {
		cur := s.Next()
		// Rounding to one decimal can add 0.05 on each side.
		if d := *cur.Temperature - *prev.Temperature; d > maxTemperatureStep+0.1 || d < -maxTemperatureStep-0.1 {
			t.Fatalf("temperature jumped by %v", d)
		}
		prev = cur
	}
}

func TestRun_PublishesUntilCancelled(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, "sim", 10*time.Millisecond, 3, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, sent := pub.snapshot(); len(sent) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("simulator did not publish 3 readings")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_KeepsGoingAfterPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker gone")}
	s := New(pub, "sim", 10*time.Millisecond, 3, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for {
		if attempts, _ := pub.snapshot(); attempts >= 3 {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("simulator stopped retrying after publish errors")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
