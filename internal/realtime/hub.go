// Package realtime is the websocket gateway: authenticated sessions, topic
// rooms, client events and the cross-instance pub/sub bridge.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"busfleet/internal/auth"
	"busfleet/internal/heartbeat"
	"busfleet/internal/log"
	"busfleet/internal/metrics"
	"busfleet/internal/model"
	"busfleet/internal/store"
)

// Directory is the slice of the store the gateway reads for authorization.
type Directory interface {
	GetBus(ctx context.Context, busID string) (model.Bus, error)
	GetTrip(ctx context.Context, tripID string) (model.Trip, error)
	ActiveTripForBus(ctx context.Context, busID string) (model.Trip, error)
}

type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

type Config struct {
	Directory Directory
	Verifier  TokenVerifier
	Bridge    Bridge
	Monitor   *heartbeat.Monitor
	// GPSRate and GPSBurst bound gps_update samples per session.
	GPSRate    rate.Limit
	GPSBurst   int
	SendBuffer int
}

// Hub owns the local sessions and room membership of one instance.
type Hub struct {
	cfg      Config
	id       string
	upgrader websocket.Upgrader
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]struct{}
}

func NewHub(cfg Config) *Hub {
	if cfg.Bridge == nil {
		cfg.Bridge = NewMemoryBridge()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = heartbeat.NewMonitor()
	}
	if cfg.GPSRate <= 0 {
		cfg.GPSRate = 5
	}
	if cfg.GPSBurst <= 0 {
		cfg.GPSBurst = 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	id := uuid.New().String()
	return &Hub{
		cfg:      cfg,
		id:       id,
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		now:      time.Now,
		log:      log.WithComponent("hub").With().Str("instance", id).Logger(),
		rooms:    map[string]map[*Session]struct{}{},
		sessions: map[*Session]struct{}{},
	}
}

// Start subscribes the hub to the bridge. Local room delivery happens only
// through this subscription.
func (h *Hub) Start(ctx context.Context) error {
	return h.cfg.Bridge.Subscribe(ctx, h.deliver)
}

// Close disconnects every local session.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.close()
	}
}

// Broadcast publishes event to rooms on every instance. Failures are logged
// and counted; they never reach the caller.
func (h *Hub) Broadcast(ctx context.Context, rooms []string, event string, data any) {
	if len(rooms) == 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	msg := Message{Rooms: rooms, Event: event, Data: raw, Origin: h.id}
	if err := h.cfg.Bridge.Publish(ctx, msg); err != nil {
		berr := &BridgeError{Event: event, Err: err}
		metrics.BridgePublishes.WithLabelValues("error").Inc()
		h.log.Error().Err(berr).Strs("rooms", rooms).Msg("bridge publish failed")
		return
	}
	metrics.BridgePublishes.WithLabelValues("ok").Inc()
}

// deliver fans a bridge message out to local sessions in any of its rooms.
func (h *Hub) deliver(msg Message) {
	h.mu.RLock()
	targets := map[*Session]struct{}{}
	for _, r := range msg.Rooms {
		for s := range h.rooms[r] {
			targets[s] = struct{}{}
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	frame, err := json.Marshal(envelope{Event: msg.Event, Data: msg.Data})
	if err != nil {
		return
	}
	metrics.BridgeDeliveries.WithLabelValues(msg.Event).Inc()
	for s := range targets {
		if !s.enqueue(frame) {
			s.log.Warn().Str("event", msg.Event).Msg("send buffer full; dropping event")
		}
	}
}

// RoomSize reports the number of local sessions in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(s *Session, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = map[*Session]struct{}{}
	}
	h.rooms[room][s] = struct{}{}
	h.mu.Unlock()
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (h *Hub) leave(s *Session, room string) {
	h.mu.Lock()
	if m := h.rooms[room]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *Hub) unregister(s *Session) {
	for _, r := range s.Rooms() {
		h.leave(s, r)
	}
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	metrics.WSConnections.Dec()
}

// ServeWS authenticates the handshake, upgrades and runs the session until it
// disconnects. The token comes from "Authorization: Bearer" or ?token=.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	p, err := h.cfg.Verifier.Verify(token)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sid := uuid.New().String()
	s := &Session{
		ID:        sid,
		Principal: p,
		conn:      conn,
		send:      make(chan []byte, h.cfg.SendBuffer),
		limiter:   rate.NewLimiter(h.cfg.GPSRate, h.cfg.GPSBurst),
		rooms:     map[string]struct{}{},
		done:      make(chan struct{}),
		log: h.log.With().
			Str("session_id", sid).
			Str("user_id", p.UserID).
			Str("company_id", p.CompanyID).
			Logger(),
	}
	h.register(s)
	defer h.unregister(s)

	h.join(s, UserRoom(p.UserID))
	if p.TenantWide() {
		h.join(s, CompanyRoom(p.CompanyID))
	}
	s.log.Info().Str("role", p.Role).Msg("session connected")

	go s.writePump()
	s.readPump(func(env envelope) {
		err := h.handle(r.Context(), s, env)
		outcome := "ok"
		switch {
		case errors.Is(err, ErrForbidden):
			outcome = "rejected"
			s.log.Warn().Str("event", env.Event).Msg("tenant check rejected request")
		case errors.Is(err, ErrMalformed), errors.Is(err, ErrRateLimit), errors.Is(err, store.ErrNotFound):
			outcome = "invalid"
		case err != nil:
			outcome = "error"
			s.log.Error().Err(err).Str("event", env.Event).Msg("client event failed")
		}
		metrics.ClientEvents.WithLabelValues(env.Event, outcome).Inc()
		s.ack(env.ID, publicError(err))
	})
	s.log.Info().Msg("session disconnected")
}

// publicError hides internal failure detail from clients.
func publicError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrForbidden):
		return ErrForbidden
	case errors.Is(err, ErrRateLimit):
		return ErrRateLimit
	case errors.Is(err, store.ErrNotFound):
		return store.ErrNotFound
	case errors.Is(err, ErrMalformed):
		return err
	}
	return errors.New("internal error")
}

// handle dispatches one client event. The returned error becomes the ack.
func (h *Hub) handle(ctx context.Context, s *Session, env envelope) error {
	switch env.Event {
	case EventJoinBusRoom, EventLeaveBusRoom:
		var p busPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		if err := requireID("busId", p.BusID); err != nil {
			return err
		}
		if env.Event == EventLeaveBusRoom {
			h.leave(s, BusRoom(p.BusID))
			return nil
		}
		if _, err := h.ownBus(ctx, s, p.BusID); err != nil {
			return err
		}
		h.join(s, BusRoom(p.BusID))
		return nil

	case EventJoinTripRoom, EventLeaveTripRoom:
		var p tripPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		if err := requireID("tripId", p.TripID); err != nil {
			return err
		}
		if env.Event == EventLeaveTripRoom {
			h.leave(s, TripRoom(p.TripID))
			return nil
		}
		t, err := h.cfg.Directory.GetTrip(ctx, p.TripID)
		if err != nil {
			return err
		}
		if t.CompanyID != s.Principal.CompanyID {
			return ErrForbidden
		}
		h.join(s, TripRoom(p.TripID))
		return nil

	case EventJoinCompanyRoom:
		var p companyPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		if err := requireID("companyId", p.CompanyID); err != nil {
			return err
		}
		// company rooms carry every child's attendance; staff only
		if p.CompanyID != s.Principal.CompanyID || !s.Principal.TenantWide() {
			return ErrForbidden
		}
		h.join(s, CompanyRoom(p.CompanyID))
		return nil

	case EventGPSUpdate:
		return h.gpsUpdate(ctx, s, env.Data)
	}
	return fmt.Errorf("%w: unknown event %q", ErrMalformed, env.Event)
}

func (h *Hub) ownBus(ctx context.Context, s *Session, busID string) (model.Bus, error) {
	b, err := h.cfg.Directory.GetBus(ctx, busID)
	if err != nil {
		return model.Bus{}, err
	}
	if b.CompanyID != s.Principal.CompanyID {
		return model.Bus{}, ErrForbidden
	}
	return b, nil
}

// gpsUpdate validates a sample, records the heartbeat and hands the location
// to the bridge for bus:{id} and, when the bus is on a trip, trip:{id}.
func (h *Hub) gpsUpdate(ctx context.Context, s *Session, data json.RawMessage) error {
	p, ts, err := parseGPS(data)
	if err != nil {
		return err
	}
	if !s.limiter.Allow() {
		return ErrRateLimit
	}
	bus, err := h.ownBus(ctx, s, p.BusID)
	if err != nil {
		return err
	}
	active, err := h.cfg.Directory.ActiveTripForBus(ctx, bus.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			tl := log.WithBusID(s.log, bus.ID)
			tl.Warn().Err(err).Msg("active trip lookup failed")
		}
		active = model.Trip{}
	}
	if !canReportFor(s.Principal, bus, active) {
		return ErrForbidden
	}

	now := h.now().UTC()
	h.cfg.Monitor.RecordFor(bus.ID, bus.CompanyID, now)
	metrics.GPSSamples.Inc()

	if ts.IsZero() {
		ts = now
	}
	loc := LocationUpdate{
		BusID:     bus.ID,
		Latitude:  *p.Latitude,
		Longitude: *p.Longitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Accuracy:  p.Accuracy,
		Timestamp: ts,
	}
	rooms := []string{BusRoom(bus.ID)}
	if active.ID != "" {
		loc.TripID = active.ID
		rooms = append(rooms, TripRoom(active.ID))
	}
	h.Broadcast(ctx, rooms, EventLocationUpdate, loc)
	return nil
}

// canReportFor reports whether p may send positions for bus: company staff,
// the bus's assigned driver, or the driver of its active trip.
func canReportFor(p auth.Principal, bus model.Bus, active model.Trip) bool {
	if p.TenantWide() {
		return true
	}
	if p.Role != auth.RoleDriver || p.UserID == "" {
		return false
	}
	return bus.DriverID == p.UserID || active.DriverID == p.UserID
}
