package httpapi

import (
	"database/sql"
	"net/http"

	"sensorhub-server/internal/metrics"
)

// NewMux registers the process-level routes. Feature modules add their own.
// An empty staticDir disables dashboard file serving.
func NewMux(db *sql.DB, staticDir string, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db)
	mux.Handle("GET /metrics", m.Handler())
	if staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}
