package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sensorhub-server/internal/modules/readings/hub"
	"sensorhub-server/internal/modules/readings/types"
)

// ReadingService is the part of service.Service the HTTP layer needs.
type ReadingService interface {
	Ingest(ctx context.Context, in types.ReadingInput) (types.Reading, error)
	Latest(ctx context.Context) (types.Reading, error)
	Recent(ctx context.Context, limit int) ([]types.Reading, error)
	Subscribe(ctx context.Context) *hub.Subscriber
	Unsubscribe(sub *hub.Subscriber)
}

// Recorder counts requests rejected before they reach the service.
type Recorder interface {
	IngestFailed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) IngestFailed(string) {}

type Options struct {
	// PingInterval is the WebSocket keepalive period. A client that misses
	// two consecutive pongs is disconnected.
	PingInterval   time.Duration
	AllowedOrigins []string
	Recorder       Recorder
}

type ReadingsController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type readingsControllerImpl struct {
	service      ReadingService
	recorder     Recorder
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewReadingsController(svc ReadingService, opts Options) ReadingsController {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &readingsControllerImpl{
		service:  svc,
		recorder: opts.Recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		pingInterval: opts.PingInterval,
	}
}

func (c *readingsControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/readings", c.handleCreate)
	mux.HandleFunc("GET /api/readings", c.handleRecent)
	mux.HandleFunc("GET /api/readings/latest", c.handleLatest)
	mux.HandleFunc("GET /ws", c.handleWebSocket)
}
