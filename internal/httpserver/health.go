package httpserver

import (
	"context"
	"net/http"
	"time"
)

// ReadyzCheck is one dependency probed by /readyz.
type ReadyzCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

type readiness struct {
	Status string `json:"status"`
	Failed string `json:"failed,omitempty"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// Readyz probes checks in order and reports the first failing dependency
// with a 503.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, readiness{Status: ErrNotReady, Failed: c.Name})
				return
			}
		}
		writeJSON(w, http.StatusOK, readiness{Status: "ready"})
	}
}
