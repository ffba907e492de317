package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/malbeclabs/daget/pkg/daget"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type PaginationParams struct {
	Limit  int
	Offset int
}

type PaginatedResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func ParsePagination(r *http.Request) PaginationParams {
	limit := DefaultLimit
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, MaxLimit)
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{Limit: limit, Offset: offset}
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps the domain error taxonomy onto HTTP status codes.
func httpStatus(code daget.Code) int {
	switch code {
	case daget.CodeValidation:
		return http.StatusBadRequest
	case daget.CodeConflict:
		return http.StatusConflict
	case daget.CodeNotFound:
		return http.StatusNotFound
	case daget.CodeAuth:
		return http.StatusForbidden
	case daget.CodeRateLimited:
		return http.StatusTooManyRequests
	case daget.CodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var de *daget.Error
	if errors.As(err, &de) {
		writeJSON(w, httpStatus(de.Code), ErrorResponse{
			Error:   string(de.Code),
			Message: de.Message,
		})
		return
	}

	log.Error("server: request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal",
		Message: "internal server error",
	})
}
