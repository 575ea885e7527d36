package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"courier/internal/domain"
)

const (
	ErrInvalidJSON         = "invalid json"
	ErrInvalidConversation = "invalid conversation id"
	ErrInvalidQuery        = "invalid query"
	ErrDependency          = "dependency error"
	ErrArchiveUnavailable  = "archive unavailable"
	ErrNotFound            = "not found"
	ErrNotReady            = "not ready"
)

// statusFor maps domain sentinels onto HTTP statuses and public messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMissingFields):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, domain.ErrArchive):
		return http.StatusBadGateway, ErrArchiveUnavailable
	default:
		return http.StatusBadGateway, ErrDependency
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
