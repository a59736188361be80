// Package scheduler expands recurring ScheduledRoutes into concrete daily trips.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"busfleet/internal/assign"
	"busfleet/internal/log"
	"busfleet/internal/metrics"
	"busfleet/internal/model"
	"busfleet/internal/store"
)

var errMalformedRoute = errors.New("malformed route")

// GenerationError is a failure generating one schedule's trip. It never aborts a run.
type GenerationError struct {
	ScheduleID string
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.ScheduleID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Result summarizes one GenerateForDay call.
type Result struct {
	Date              string
	TripsCreated      int
	TripsExisting     int
	AttendanceCreated int
	Failures          []*GenerationError
}

// TriggerResult is the manual trigger's response.
type TriggerResult struct {
	Success            bool      `json:"success"`
	Message            string    `json:"message"`
	GeneratedAt        time.Time `json:"generatedAt"`
	GenerationType     string    `json:"generationType"`
	TripsCreated       *int      `json:"tripsCreated,omitempty"`
	ExistingTripsCount *int      `json:"existingTripsCount,omitempty"`
}

const (
	GenerationAutomatic = "automatic"
	GenerationManual    = "manual"
)

type Config struct {
	Matcher  assign.Matcher
	Location *time.Location
	// Locker guards the automatic run across instances. Nil runs unguarded.
	Locker  Locker
	LockTTL time.Duration
	// RunAt is the daily automatic run as HH:MM in Location. Empty means DefaultRunAt.
	RunAt string
}

// DefaultRunAt is the local time of the daily automatic run.
const DefaultRunAt = "02:00"

type Scheduler struct {
	store store.Store
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
	Stop  chan struct{}

	runHour, runMinute int
}

func New(st store.Store, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Matcher.Threshold <= 0 {
		cfg.Matcher = assign.NewMatcher(assign.DefaultThreshold)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if cfg.RunAt == "" {
		cfg.RunAt = DefaultRunAt
	}
	s := &Scheduler{
		store: st,
		cfg:   cfg,
		now:   time.Now,
		log:   log.WithComponent("scheduler"),
		Stop:  make(chan struct{}),
	}
	h, m, err := model.ParseClock(cfg.RunAt)
	if err != nil {
		s.log.Error().Err(err).Str("run_at", cfg.RunAt).Msg("invalid run time; using " + DefaultRunAt)
		h, m = 2, 0
	}
	s.runHour, s.runMinute = h, m
	return s
}

// Location is the zone service dates are computed in.
func (s *Scheduler) Location() *time.Location { return s.cfg.Location }

// Day normalizes t to local midnight in the scheduler's location.
func (s *Scheduler) Day(t time.Time) time.Time {
	return model.StartOfDay(t.In(s.cfg.Location))
}

// GenerateForDay creates the day's trip for every due schedule. Schedules are
// processed independently; a failing one is recorded in Result.Failures and the
// rest continue. The returned error is non-nil only when due schedules cannot be listed.
func (s *Scheduler) GenerateForDay(ctx context.Context, date time.Time, by model.GeneratedBy) (Result, error) {
	day := s.Day(date)
	res := Result{Date: model.DateKey(day)}
	due, err := s.store.ListDueSchedules(ctx, day)
	if err != nil {
		return res, fmt.Errorf("list due schedules: %w", err)
	}
	for _, sched := range due {
		created, attendance, err := s.generateOne(ctx, sched, day, by)
		res.AttendanceCreated += attendance
		if created {
			res.TripsCreated++
			metrics.TripsGenerated.WithLabelValues(string(by)).Inc()
		} else if err == nil {
			res.TripsExisting++
		}
		if err != nil {
			res.Failures = append(res.Failures, &GenerationError{ScheduleID: sched.ID, Err: err})
			metrics.GenerationFailures.Inc()
			s.log.Error().Err(err).Str("schedule_id", sched.ID).Str("date", res.Date).Msg("trip generation failed")
		}
	}
	s.log.Info().
		Str("date", res.Date).
		Str("generated_by", string(by)).
		Int("due", len(due)).
		Int("created", res.TripsCreated).
		Int("existing", res.TripsExisting).
		Int("failed", len(res.Failures)).
		Int("attendance_created", res.AttendanceCreated).
		Msg("generation finished")
	return res, nil
}

func (s *Scheduler) generateOne(ctx context.Context, sched model.ScheduledRoute, day time.Time, by model.GeneratedBy) (created bool, attendance int, err error) {
	route, err := s.store.GetRoute(ctx, sched.RouteID)
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, fmt.Errorf("%w: route %s not found", errMalformedRoute, sched.RouteID)
	}
	if err != nil {
		return false, 0, fmt.Errorf("load route %s: %w", sched.RouteID, err)
	}
	if len(route.Stops) == 0 {
		return false, 0, fmt.Errorf("%w: route %s has no stops", errMalformedRoute, route.ID)
	}
	start, err := sched.StartOn(day)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", errMalformedRoute, err)
	}

	key := model.DateKey(day)
	trip, err := s.store.FindTripForSchedule(ctx, sched.ID, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		trip, err = s.store.CreateTrip(ctx, model.Trip{
			CompanyID:        sched.CompanyID,
			ScheduledRouteID: sched.ID,
			BusID:            sched.BusID,
			RouteID:          sched.RouteID,
			DriverID:         sched.DriverID,
			ServiceDate:      key,
			Status:           model.TripScheduled,
			StartTime:        start,
			GeneratedBy:      by,
		}, model.TripHistory{
			ID:      uuid.New().String(),
			Status:  model.TripScheduled,
			ActorID: "scheduler:" + string(by),
			At:      s.now().UTC(),
		})
		if errors.Is(err, store.ErrConflict) {
			// a concurrent run won the per-day slot
			trip, err = s.store.FindTripForSchedule(ctx, sched.ID, key)
			if err != nil {
				return false, 0, fmt.Errorf("reload trip: %w", err)
			}
			break
		}
		if err != nil {
			return false, 0, fmt.Errorf("create trip: %w", err)
		}
		created = true
	default:
		return false, 0, fmt.Errorf("find trip: %w", err)
	}

	if sched.AutoAssignChildren {
		attendance, err = s.assignChildren(ctx, trip, route)
		if err != nil {
			return created, attendance, fmt.Errorf("assign children to trip %s: %w", trip.ID, err)
		}
	}
	return created, attendance, nil
}

// assignChildren creates a PENDING attendance row for every matched child that
// does not have one yet.
func (s *Scheduler) assignChildren(ctx context.Context, trip model.Trip, route model.Route) (int, error) {
	children, err := s.store.ListChildrenBySchool(ctx, route.SchoolID)
	if err != nil {
		return 0, err
	}
	sameTenant := children[:0:0]
	for _, c := range children {
		if c.CompanyID == "" || trip.CompanyID == "" || c.CompanyID == trip.CompanyID {
			sameTenant = append(sameTenant, c)
		}
	}
	existing, err := s.store.ListAttendanceForTrip(ctx, trip.ID)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[a.ChildID] = true
	}
	n := 0
	for _, c := range s.cfg.Matcher.Match(sameTenant, route.Stops) {
		if have[c.ID] {
			continue
		}
		_, err := s.store.CreateAttendance(ctx, model.ChildAttendance{
			ChildID: c.ID,
			TripID:  trip.ID,
			Status:  model.AttendancePending,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Trigger is the manual, idempotent entry point. If schedule-generated trips
// already exist for the day it reports that instead of generating.
func (s *Scheduler) Trigger(ctx context.Context, date time.Time) (TriggerResult, error) {
	day := s.Day(date)
	key := model.DateKey(day)
	existing, err := s.store.ListGeneratedTrips(ctx, key)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("list generated trips: %w", err)
	}
	if len(existing) > 0 {
		n := len(existing)
		first := existing[0]
		return TriggerResult{
			Success:            false,
			Message:            fmt.Sprintf("Trips already generated for %s", key),
			GeneratedAt:        first.CreatedAt,
			GenerationType:     GenerationType(first.GeneratedBy),
			ExistingTripsCount: &n,
		}, nil
	}
	res, err := s.GenerateForDay(ctx, day, model.GeneratedByManual)
	if err != nil {
		return TriggerResult{}, err
	}
	created := res.TripsCreated
	msg := fmt.Sprintf("Generated %d trips for %s", created, key)
	if len(res.Failures) > 0 {
		msg += fmt.Sprintf(" (%d schedules failed)", len(res.Failures))
	}
	return TriggerResult{
		Success:        true,
		Message:        msg,
		GeneratedAt:    s.now().UTC(),
		GenerationType: GenerationManual,
		TripsCreated:   &created,
	}, nil
}

// GenerationType maps a trip's GeneratedBy to the operator-facing label.
// Trips created before GeneratedBy existed only came from the daily run.
func GenerationType(by model.GeneratedBy) string {
	if by == model.GeneratedByManual {
		return GenerationManual
	}
	return GenerationAutomatic
}
