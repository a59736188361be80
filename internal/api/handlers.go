package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"busfleet/internal/auth"
	"busfleet/internal/model"
	"busfleet/internal/trip"
)

// TripByIDHandler handles GET /v1/trips/{id}, POST /v1/trips/{id}/status,
// PATCH /v1/trips/{id}/attendance/{childId} and POST /v1/trips/{id}/exceptions.
func (s *Server) TripByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/trips/"), "/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	p, err := s.getPrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Store.GetTrip(r.Context(), parts[0])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !canSeeTrip(p, t) {
		s.writeError(w, r, errForbidden)
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getTrip(w, r, t)
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.tripStatus(w, r, p, t)
	case len(parts) == 3 && parts[1] == "attendance":
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.tripAttendance(w, r, p, t, parts[2])
	case len(parts) == 2 && parts[1] == "exceptions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.tripException(w, r, p, t)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) getTrip(w http.ResponseWriter, r *http.Request, t model.Trip) {
	history, err := s.Store.ListTripHistory(r.Context(), t.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	att, err := s.Store.ListAttendanceForTrip(r.Context(), t.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"trip": t, "history": history, "attendance": att}
	if next, ok := trip.AllowedNext(t.Status); ok {
		resp["nextStatus"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tripStatus(w http.ResponseWriter, r *http.Request, p auth.Principal, t model.Trip) {
	if !canOperateTrip(p, t) {
		s.writeError(w, r, errForbidden)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	updated, err := s.Trips.Transition(r.Context(), t.ID, model.TripStatus(body.Status), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": updated, "previousStatus": t.Status})
}

func (s *Server) tripAttendance(w http.ResponseWriter, r *http.Request, p auth.Principal, t model.Trip, childID string) {
	if !canOperateTrip(p, t) {
		s.writeError(w, r, errForbidden)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	row, err := s.Attendance.UpdateStatus(r.Context(), t.ID, childID, model.AttendanceStatus(body.Status), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// tripException raises or withdraws a skip for one child. Parents may only act
// on their own children.
func (s *Server) tripException(w http.ResponseWriter, r *http.Request, p auth.Principal, t model.Trip) {
	var body struct {
		ChildID string `json:"childId"`
		Action  string `json:"action"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if body.ChildID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing childId", "", r.URL.Path)
		return
	}
	if !p.TenantWide() {
		child, err := s.Store.GetChild(r.Context(), body.ChildID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if p.Role != auth.RoleParent || child.ParentID != p.UserID {
			s.writeError(w, r, errForbidden)
			return
		}
	}
	var err error
	switch strings.ToLower(body.Action) {
	case "skip":
		err = s.Attendance.RequestSkip(r.Context(), t.ID, body.ChildID, body.Reason, p.UserID)
	case "unskip":
		err = s.Attendance.CancelSkip(r.Context(), t.ID, body.ChildID, p.UserID)
	default:
		writeProblem(w, http.StatusBadRequest, "Unknown action", "action must be skip or unskip", r.URL.Path)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tripId": t.ID, "childId": body.ChildID, "action": strings.ToLower(body.Action)})
}

// BusHeartbeatHandler handles GET /v1/buses/{id}/heartbeat
func (s *Server) BusHeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/buses/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "heartbeat" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, err := s.getPrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bus, err := s.Store.GetBus(r.Context(), parts[0])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bus.CompanyID != p.CompanyID {
		s.writeError(w, r, errForbidden)
		return
	}
	resp := map[string]any{
		"busId":       bus.ID,
		"lastSeenAt":  nil,
		"sampleCount": 0,
		"stale":       s.Monitor.IsStale(bus.ID, s.now(), s.StaleAfter),
	}
	if rec, ok := s.Monitor.Get(bus.ID); ok {
		resp["lastSeenAt"] = rec.LastSeenAt.UTC().Format(time.RFC3339Nano)
		resp["sampleCount"] = rec.SampleCount
	}
	writeJSON(w, http.StatusOK, resp)
}

// TripGenerationHandler handles POST /v1/admin/trip-generation, the manual
// trigger. The optional body date is YYYY-MM-DD in the scheduler's zone.
func (s *Server) TripGenerationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, err := s.getPrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.Role != auth.RoleAdmin {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	var body struct {
		Date string `json:"date"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
	}
	date := s.now()
	if body.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", body.Date, s.Scheduler.Location())
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid date", err.Error(), r.URL.Path)
			return
		}
		date = d
	}
	res, err := s.Scheduler.Trigger(r.Context(), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info().Str("user_id", p.UserID).Bool("success", res.Success).Msg(res.Message)
	writeJSON(w, http.StatusOK, res)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
