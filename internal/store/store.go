package store

import (
	"context"
	"errors"
	"time"

	"busfleet/internal/model"
)

// Store is the persistence interface used by the trip engine and the realtime gateway.
// Fleet reference data (buses, routes, children, schedules) is owned by the admin
// CRUD surface; the engine only reads it.
type Store interface {
	// Trips
	GetTrip(ctx context.Context, tripID string) (model.Trip, error)
	ListTripHistory(ctx context.Context, tripID string) ([]model.TripHistory, error)
	// CreateTrip inserts the trip together with its first history row. A second trip for
	// the same (ScheduledRouteID, ServiceDate) fails with ErrConflict.
	CreateTrip(ctx context.Context, trip model.Trip, initial model.TripHistory) (model.Trip, error)
	// ApplyTransition writes the new status and appends the history row as one unit.
	// It fails with ErrConflict when the stored status is no longer tr.From.
	ApplyTransition(ctx context.Context, tr Transition) (model.Trip, error)
	FindTripForSchedule(ctx context.Context, scheduleID, serviceDate string) (model.Trip, error)
	// ListGeneratedTrips returns schedule-generated trips for a service date, oldest first.
	ListGeneratedTrips(ctx context.Context, serviceDate string) ([]model.Trip, error)
	// ActiveTripForBus returns the bus's IN_PROGRESS or RETURN_IN_PROGRESS trip.
	ActiveTripForBus(ctx context.Context, busID string) (model.Trip, error)

	// Schedules
	// ListDueSchedules returns ACTIVE schedules recurring on day's weekday whose
	// effective window contains day.
	ListDueSchedules(ctx context.Context, day time.Time) ([]model.ScheduledRoute, error)

	// Fleet reference data
	GetBus(ctx context.Context, busID string) (model.Bus, error)
	GetRoute(ctx context.Context, routeID string) (model.Route, error)
	GetChild(ctx context.Context, childID string) (model.Child, error)
	ListChildrenBySchool(ctx context.Context, schoolID string) ([]model.Child, error)

	// Attendance
	ListAttendanceForTrip(ctx context.Context, tripID string) ([]model.ChildAttendance, error)
	// CreateAttendance fails with ErrConflict when the (child, trip) row exists.
	CreateAttendance(ctx context.Context, a model.ChildAttendance) (model.ChildAttendance, error)
	// UpdateAttendanceStatus returns the updated row and the status it replaced.
	UpdateAttendanceStatus(ctx context.Context, tripID, childID string, status model.AttendanceStatus, actorID string, at time.Time) (model.ChildAttendance, model.AttendanceStatus, error)
}

// Transition is a compare-and-set status change plus its history entry.
type Transition struct {
	TripID     string
	From       model.TripStatus
	To         model.TripStatus
	ActorID    string
	At         time.Time
	HistoryID  string
	StampStart bool
	StampEnd   bool
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
