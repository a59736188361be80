package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"busfleet/internal/attendance"
	"busfleet/internal/auth"
	"busfleet/internal/store"
	"busfleet/internal/trip"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps engine errors onto problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := http.StatusInternalServerError, "Internal Error"
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status, title = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, errForbidden):
		status, title = http.StatusForbidden, "Forbidden"
	case errors.Is(err, store.ErrNotFound):
		status, title = http.StatusNotFound, "Not Found"
	case errors.Is(err, trip.ErrUnknownStatus), errors.Is(err, attendance.ErrUnknownStatus):
		status, title = http.StatusBadRequest, "Unknown Status"
	case errors.Is(err, trip.ErrInvalidTransition):
		status, title = http.StatusConflict, "Invalid Transition"
	case errors.Is(err, attendance.ErrTripClosed):
		status, title = http.StatusConflict, "Trip Completed"
	case errors.Is(err, store.ErrConflict):
		status, title = http.StatusConflict, "Conflict"
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		detail = ""
	}
	writeProblem(w, status, title, detail, r.URL.Path)
}
