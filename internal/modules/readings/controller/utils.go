package controller

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"sensorhub-server/internal/modules/readings/repository"
)

// parseLimit reads ?limit=N. Anything that is not a positive integer falls
// back to the default.
func parseLimit(r *http.Request) int {
	s := strings.TrimSpace(r.URL.Query().Get("limit"))
	if s == "" {
		return repository.DefaultRecentLimit
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return repository.DefaultRecentLimit
	}
	return n
}

// originChecker accepts WebSocket upgrades from the allowed origins. "*"
// allows everything; requests without an Origin header are always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
