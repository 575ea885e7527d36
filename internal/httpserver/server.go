package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"courier/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// Handler wraps the router with request logging and per-route metrics.
func (s *Server) Handler(logger *slog.Logger) http.Handler {
	return Logging(logger)(Metrics(observability.APIRequests)(s.Mux))
}
