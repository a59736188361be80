package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"busfleet/internal/attendance"
	"busfleet/internal/auth"
	"busfleet/internal/heartbeat"
	"busfleet/internal/log"
	"busfleet/internal/metrics"
	"busfleet/internal/realtime"
	"busfleet/internal/scheduler"
	"busfleet/internal/store"
	"busfleet/internal/trip"
)

// Server holds the collaborators behind the HTTP surface.
type Server struct {
	Store      store.Store
	Trips      *trip.Machine
	Scheduler  *scheduler.Scheduler
	Attendance *attendance.Service
	Hub        *realtime.Hub
	Monitor    *heartbeat.Monitor
	Auth       *auth.Verifier
	StaleAfter time.Duration
	// Settings is echoed by /debug. Secrets must not be put here.
	Settings map[string]any

	now func() time.Time
	log zerolog.Logger
}

// NewServer fills in the defaults for a Server built as a struct literal.
func NewServer(s Server) *Server {
	if s.Monitor == nil {
		s.Monitor = heartbeat.NewMonitor()
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = time.Minute
	}
	if s.Auth == nil {
		s.Auth = auth.NewVerifier("dev", "")
	}
	s.now = time.Now
	s.log = log.WithComponent("api")
	return &s
}

// Routes returns the service mux wrapped in the access log middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Trips
	mux.HandleFunc("/v1/trips/", s.TripByIDHandler) // includes /status, /attendance/{childId}, /exceptions
	mux.HandleFunc("/v1/buses/", s.BusHeartbeatHandler)

	// Admin
	mux.HandleFunc("/v1/admin/trip-generation", s.TripGenerationHandler)

	// Realtime
	if s.Hub != nil {
		mux.HandleFunc("/ws", s.Hub.ServeWS)
	}

	// Health
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug", s.DebugJSON)

	return s.logMiddleware(mux)
}
