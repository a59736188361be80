package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"busfleet/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	buses      map[string]model.Bus
	routes     map[string]model.Route
	children   map[string]model.Child
	schedules  map[string]model.ScheduledRoute
	trips      map[string]model.Trip
	history    map[string][]model.TripHistory              // tripId -> entries
	attendance map[string]map[string]model.ChildAttendance // tripId -> childId -> row
	bySchedDay map[string]string                           // scheduleId|date -> tripId
}

func NewMemory() *Memory {
	return &Memory{
		buses:      map[string]model.Bus{},
		routes:     map[string]model.Route{},
		children:   map[string]model.Child{},
		schedules:  map[string]model.ScheduledRoute{},
		trips:      map[string]model.Trip{},
		history:    map[string][]model.TripHistory{},
		attendance: map[string]map[string]model.ChildAttendance{},
		bySchedDay: map[string]string{},
	}
}

// PutBus stores or replaces a bus.
func (m *Memory) PutBus(b model.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[b.ID] = b
}

// PutRoute stores or replaces a route; stops are kept sorted by Order.
func (m *Memory) PutRoute(r model.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stops := append([]model.Stop(nil), r.Stops...)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Order < stops[j].Order })
	r.Stops = stops
	m.routes[r.ID] = r
}

func (m *Memory) PutChild(c model.Child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[c.ID] = c
}

func (m *Memory) PutSchedule(s model.ScheduledRoute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.schedules[s.ID] = s
}

func schedDayKey(scheduleID, date string) string { return scheduleID + "|" + date }

func (m *Memory) GetTrip(ctx context.Context, tripID string) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return model.Trip{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTripHistory(ctx context.Context, tripID string) ([]model.TripHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[tripID]; !ok {
		return nil, ErrNotFound
	}
	return append([]model.TripHistory(nil), m.history[tripID]...), nil
}

func (m *Memory) CreateTrip(ctx context.Context, trip model.Trip, initial model.TripHistory) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trip.ID == "" {
		trip.ID = uuid.New().String()
	}
	if trip.ScheduledRouteID != "" {
		k := schedDayKey(trip.ScheduledRouteID, trip.ServiceDate)
		if _, exists := m.bySchedDay[k]; exists {
			return model.Trip{}, ErrConflict
		}
		m.bySchedDay[k] = trip.ID
	}
	now := time.Now().UTC()
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = now
	}
	trip.UpdatedAt = trip.CreatedAt
	m.trips[trip.ID] = trip
	if initial.ID == "" {
		initial.ID = uuid.New().String()
	}
	initial.TripID = trip.ID
	m.history[trip.ID] = append(m.history[trip.ID], initial)
	return trip, nil
}

func (m *Memory) ApplyTransition(ctx context.Context, tr Transition) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tr.TripID]
	if !ok {
		return model.Trip{}, ErrNotFound
	}
	if t.Status != tr.From {
		return model.Trip{}, ErrConflict
	}
	t.Status = tr.To
	t.UpdatedAt = tr.At
	if tr.StampStart {
		t.StartTime = tr.At
	}
	if tr.StampEnd {
		end := tr.At
		t.EndTime = &end
	}
	id := tr.HistoryID
	if id == "" {
		id = uuid.New().String()
	}
	m.trips[t.ID] = t
	m.history[t.ID] = append(m.history[t.ID], model.TripHistory{ID: id, TripID: t.ID, Status: tr.To, ActorID: tr.ActorID, At: tr.At})
	return t, nil
}

func (m *Memory) FindTripForSchedule(ctx context.Context, scheduleID, serviceDate string) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySchedDay[schedDayKey(scheduleID, serviceDate)]
	if !ok {
		return model.Trip{}, ErrNotFound
	}
	return m.trips[id], nil
}

func (m *Memory) ListGeneratedTrips(ctx context.Context, serviceDate string) ([]model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Trip{}
	for _, t := range m.trips {
		if t.ScheduledRouteID != "" && t.ServiceDate == serviceDate {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ActiveTripForBus(ctx context.Context, busID string) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best model.Trip
	found := false
	for _, t := range m.trips {
		if t.BusID != busID || !t.Status.Moving() {
			continue
		}
		if !found || t.StartTime.After(best.StartTime) {
			best, found = t, true
		}
	}
	if !found {
		return model.Trip{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) ListDueSchedules(ctx context.Context, day time.Time) ([]model.ScheduledRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ScheduledRoute{}
	for _, s := range m.schedules {
		if s.RunsOn(day) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetBus(ctx context.Context, busID string) (model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[busID]
	if !ok {
		return model.Bus{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	r.Stops = append([]model.Stop(nil), r.Stops...)
	return r, nil
}

func (m *Memory) GetChild(ctx context.Context, childID string) (model.Child, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.children[childID]
	if !ok {
		return model.Child{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListChildrenBySchool(ctx context.Context, schoolID string) ([]model.Child, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Child{}
	for _, c := range m.children {
		if c.SchoolID == schoolID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListAttendanceForTrip(ctx context.Context, tripID string) ([]model.ChildAttendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ChildAttendance{}
	for _, a := range m.attendance[tripID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChildID < out[j].ChildID })
	return out, nil
}

func (m *Memory) CreateAttendance(ctx context.Context, a model.ChildAttendance) (model.ChildAttendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[a.TripID]; !ok {
		return model.ChildAttendance{}, ErrNotFound
	}
	rows := m.attendance[a.TripID]
	if rows == nil {
		rows = map[string]model.ChildAttendance{}
		m.attendance[a.TripID] = rows
	}
	if _, exists := rows[a.ChildID]; exists {
		return model.ChildAttendance{}, ErrConflict
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	rows[a.ChildID] = a
	return a, nil
}

func (m *Memory) UpdateAttendanceStatus(ctx context.Context, tripID, childID string, status model.AttendanceStatus, actorID string, at time.Time) (model.ChildAttendance, model.AttendanceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendance[tripID][childID]
	if !ok {
		return model.ChildAttendance{}, "", ErrNotFound
	}
	prev := a.Status
	a.Status = status
	a.UpdatedBy = actorID
	a.UpdatedAt = at
	m.attendance[tripID][childID] = a
	return a, prev, nil
}
