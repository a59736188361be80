//go:build postgres_integration

package store

import (
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"busfleet/internal/model"
)

func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return p
}

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	p := openPostgres(t)
	// second run is a no-op
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
	if _, err := p.ListDueSchedules(t.Context(), time.Now()); err != nil {
		t.Fatalf("ListDueSchedules: %v", err)
	}
	if _, err := p.GetTrip(t.Context(), "does-not-exist"); err != ErrNotFound {
		t.Fatalf("GetTrip missing: want ErrNotFound, got %v", err)
	}
	trip := model.Trip{CompanyID: "co", BusID: "b", RouteID: "r", DriverID: "d", ServiceDate: "2024-09-02", Status: model.TripScheduled, StartTime: time.Now()}
	created, err := p.CreateTrip(t.Context(), trip, model.TripHistory{Status: model.TripScheduled, At: time.Now()})
	if err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	if _, err := p.ApplyTransition(t.Context(), Transition{TripID: created.ID, From: model.TripScheduled, To: model.TripInProgress, At: time.Now(), StampStart: true}); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if _, err := p.ApplyTransition(t.Context(), Transition{TripID: created.ID, From: model.TripScheduled, To: model.TripInProgress, At: time.Now()}); err != ErrConflict {
		t.Fatalf("stale transition: want ErrConflict, got %v", err)
	}
}

type scheduleRow struct {
	days        string
	from, until any
	status      model.ScheduleStatus
}

// seedSchedules inserts a bus, a route and one scheduled_routes row per entry
// in rows, keyed by name. Ids carry a per-run suffix so reruns don't collide.
func seedSchedules(t *testing.T, p *Postgres, rows map[string]scheduleRow) (busID, routeID string, ids map[string]string) {
	t.Helper()
	ctx := t.Context()
	run := uuid.New().String()[:8]
	busID, routeID = "bus-"+run, "route-"+run
	if _, err := p.db.ExecContext(ctx, `INSERT INTO buses (id, company_id, plate, capacity, driver_id) VALUES ($1,'co','PL-1',40,'d1')`, busID); err != nil {
		t.Fatalf("insert bus: %v", err)
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO routes (id, company_id, school_id, name) VALUES ($1,'co','sch','North')`, routeID); err != nil {
		t.Fatalf("insert route: %v", err)
	}
	ids = map[string]string{}
	for name, r := range rows {
		id := name + "-" + run
		ids[name] = id
		_, err := p.db.ExecContext(ctx, `INSERT INTO scheduled_routes (id, company_id, route_id, bus_id, driver_id, scheduled_time, recurring_days, effective_from, effective_until, status)
			VALUES ($1,'co',$2,$3,'d1','07:30',string_to_array($4, ','),$5::date,$6::date,$7)`,
			id, routeID, busID, r.days, r.from, r.until, string(r.status))
		if err != nil {
			t.Fatalf("insert schedule %s: %v", name, err)
		}
	}
	return busID, routeID, ids
}

func TestPostgresListDueSchedulesWindow(t *testing.T) {
	p := openPostgres(t)
	_, _, ids := seedSchedules(t, p, map[string]scheduleRow{
		"open":      {days: "MONDAY", status: model.ScheduleActive},
		"window":    {days: "MONDAY,WEDNESDAY", from: "2024-09-01", until: "2024-09-30", status: model.ScheduleActive},
		"starts":    {days: "MONDAY", from: "2024-09-02", status: model.ScheduleActive},
		"ends":      {days: "MONDAY", until: "2024-09-02", status: model.ScheduleActive},
		"expired":   {days: "MONDAY", until: "2024-08-31", status: model.ScheduleActive},
		"future":    {days: "MONDAY", from: "2024-09-03", status: model.ScheduleActive},
		"tuesday":   {days: "TUESDAY", status: model.ScheduleActive},
		"suspended": {days: "MONDAY", status: model.ScheduleSuspended},
	})

	// 2024-09-02 is a Monday
	due, err := p.ListDueSchedules(t.Context(), time.Date(2024, 9, 2, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListDueSchedules: %v", err)
	}
	got := map[string]model.ScheduledRoute{}
	for _, s := range due {
		got[s.ID] = s
	}
	for _, name := range []string{"open", "window", "starts", "ends"} {
		if _, ok := got[ids[name]]; !ok {
			t.Errorf("schedule %s: want due", name)
		}
	}
	for _, name := range []string{"expired", "future", "tuesday", "suspended"} {
		if _, ok := got[ids[name]]; ok {
			t.Errorf("schedule %s: want not due", name)
		}
	}

	open := got[ids["open"]]
	if open.EffectiveFrom != nil || open.EffectiveUntil != nil {
		t.Errorf("open schedule: want nil bounds, got %v / %v", open.EffectiveFrom, open.EffectiveUntil)
	}
	window := got[ids["window"]]
	if window.EffectiveFrom == nil || window.EffectiveUntil == nil {
		t.Fatal("window schedule: want both bounds set")
	}
	if !slices.Equal(window.RecurringDays, []model.Weekday{model.Monday, model.Wednesday}) {
		t.Errorf("window days: got %v", window.RecurringDays)
	}
}

func TestPostgresDuplicateTripAndAttendanceConflict(t *testing.T) {
	p := openPostgres(t)
	ctx := t.Context()
	busID, routeID, ids := seedSchedules(t, p, map[string]scheduleRow{
		"daily": {days: "MONDAY", status: model.ScheduleActive},
	})

	now := time.Now().UTC()
	trip := model.Trip{
		CompanyID: "co", ScheduledRouteID: ids["daily"], BusID: busID, RouteID: routeID, DriverID: "d1",
		ServiceDate: "2024-09-02", Status: model.TripScheduled, StartTime: now, GeneratedBy: model.GeneratedByCron,
	}
	first, err := p.CreateTrip(ctx, trip, model.TripHistory{Status: model.TripScheduled, At: now})
	if err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	if _, err := p.CreateTrip(ctx, trip, model.TripHistory{Status: model.TripScheduled, At: now}); err != ErrConflict {
		t.Fatalf("duplicate schedule/day: want ErrConflict, got %v", err)
	}
	found, err := p.FindTripForSchedule(ctx, ids["daily"], "2024-09-02")
	if err != nil || found.ID != first.ID {
		t.Fatalf("FindTripForSchedule: got %q, %v; want %q", found.ID, err, first.ID)
	}
	// another day for the same schedule is a distinct trip
	trip.ServiceDate = "2024-09-09"
	if _, err := p.CreateTrip(ctx, trip, model.TripHistory{Status: model.TripScheduled, At: now}); err != nil {
		t.Fatalf("CreateTrip next week: %v", err)
	}

	att := model.ChildAttendance{ChildID: "child-1", TripID: first.ID, Status: model.AttendancePending}
	if _, err := p.CreateAttendance(ctx, att); err != nil {
		t.Fatalf("CreateAttendance: %v", err)
	}
	if _, err := p.CreateAttendance(ctx, att); err != ErrConflict {
		t.Fatalf("duplicate attendance: want ErrConflict, got %v", err)
	}
	rows, err := p.ListAttendanceForTrip(ctx, first.ID)
	if err != nil {
		t.Fatalf("ListAttendanceForTrip: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("attendance rows: want 1, got %d", len(rows))
	}
}
