package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"busfleet/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const tripColumns = `id, company_id, COALESCE(scheduled_route_id, ''), bus_id, route_id, driver_id, service_date::text, status, start_time, end_time, COALESCE(generated_by, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (model.Trip, error) {
	var t model.Trip
	var status, genBy string
	var end sql.NullTime
	if err := row.Scan(&t.ID, &t.CompanyID, &t.ScheduledRouteID, &t.BusID, &t.RouteID, &t.DriverID, &t.ServiceDate, &status, &t.StartTime, &end, &genBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Status = model.TripStatus(status)
	t.GeneratedBy = model.GeneratedBy(genBy)
	if end.Valid {
		e := end.Time
		t.EndTime = &e
	}
	return t, nil
}

func (p *Postgres) GetTrip(ctx context.Context, tripID string) (model.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, tripID))
}

func (p *Postgres) ListTripHistory(ctx context.Context, tripID string) ([]model.TripHistory, error) {
	if _, err := p.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, status, COALESCE(actor_id, ''), at FROM trip_history WHERE trip_id=$1 ORDER BY at, id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TripHistory{}
	for rows.Next() {
		var h model.TripHistory
		var status string
		if err := rows.Scan(&h.ID, &h.TripID, &status, &h.ActorID, &h.At); err != nil {
			return nil, err
		}
		h.Status = model.TripStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateTrip(ctx context.Context, trip model.Trip, initial model.TripHistory) (model.Trip, error) {
	if trip.ID == "" {
		trip.ID = uuid.New().String()
	}
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = time.Now().UTC()
	}
	trip.UpdatedAt = trip.CreatedAt
	if initial.ID == "" {
		initial.ID = uuid.New().String()
	}
	initial.TripID = trip.ID
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Trip{}, err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO trips (id, company_id, scheduled_route_id, bus_id, route_id, driver_id, service_date, status, start_time, end_time, generated_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::date,$8,$9,$10,$11,$12,$12)`,
		trip.ID, trip.CompanyID, nullIfEmpty(trip.ScheduledRouteID), trip.BusID, trip.RouteID, trip.DriverID, trip.ServiceDate,
		string(trip.Status), trip.StartTime, trip.EndTime, nullIfEmpty(string(trip.GeneratedBy)), trip.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Trip{}, ErrConflict
		}
		return model.Trip{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO trip_history (id, trip_id, status, actor_id, at) VALUES ($1,$2,$3,$4,$5)`,
		initial.ID, initial.TripID, string(initial.Status), nullIfEmpty(initial.ActorID), initial.At); err != nil {
		return model.Trip{}, fmt.Errorf("append history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Trip{}, err
	}
	return trip, nil
}

func (p *Postgres) ApplyTransition(ctx context.Context, tr Transition) (model.Trip, error) {
	if tr.HistoryID == "" {
		tr.HistoryID = uuid.New().String()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Trip{}, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE trips SET status=$1, updated_at=$2,
		start_time = CASE WHEN $3::boolean THEN $2 ELSE start_time END,
		end_time = CASE WHEN $4::boolean THEN $2 ELSE end_time END
		WHERE id=$5 AND status=$6`,
		string(tr.To), tr.At, tr.StampStart, tr.StampEnd, tr.TripID, string(tr.From))
	if err != nil {
		return model.Trip{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Trip{}, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE id=$1)`, tr.TripID).Scan(&exists); err != nil {
			return model.Trip{}, err
		}
		if !exists {
			return model.Trip{}, ErrNotFound
		}
		return model.Trip{}, ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO trip_history (id, trip_id, status, actor_id, at) VALUES ($1,$2,$3,$4,$5)`,
		tr.HistoryID, tr.TripID, string(tr.To), nullIfEmpty(tr.ActorID), tr.At); err != nil {
		return model.Trip{}, fmt.Errorf("append history: %w", err)
	}
	t, err := scanTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, tr.TripID))
	if err != nil {
		return model.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Trip{}, err
	}
	return t, nil
}

func (p *Postgres) FindTripForSchedule(ctx context.Context, scheduleID, serviceDate string) (model.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE scheduled_route_id=$1 AND service_date=$2::date`, scheduleID, serviceDate))
}

func (p *Postgres) ListGeneratedTrips(ctx context.Context, serviceDate string) ([]model.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE scheduled_route_id IS NOT NULL AND service_date=$1::date ORDER BY created_at, id`, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveTripForBus(ctx context.Context, busID string) (model.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE bus_id=$1 AND status IN ($2,$3) ORDER BY start_time DESC LIMIT 1`,
		busID, string(model.TripInProgress), string(model.TripReturnInProgress)))
}

func (p *Postgres) ListDueSchedules(ctx context.Context, day time.Time) ([]model.ScheduledRoute, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, company_id, route_id, bus_id, driver_id, scheduled_time, array_to_string(recurring_days, ','),
		effective_from, effective_until, status, auto_assign_children, created_at
		FROM scheduled_routes
		WHERE status=$1 AND $2 = ANY(recurring_days)
		  AND (effective_from IS NULL OR effective_from <= $3::date)
		  AND (effective_until IS NULL OR effective_until >= $3::date)
		ORDER BY id`,
		string(model.ScheduleActive), string(model.WeekdayOf(day)), model.DateKey(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ScheduledRoute{}
	for rows.Next() {
		var s model.ScheduledRoute
		var days, status string
		var from, until sql.NullTime
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.RouteID, &s.BusID, &s.DriverID, &s.ScheduledTime, &days, &from, &until, &status, &s.AutoAssignChildren, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Status = model.ScheduleStatus(status)
		s.RecurringDays = splitDays(days)
		if from.Valid {
			f := from.Time
			s.EffectiveFrom = &f
		}
		if until.Valid {
			u := until.Time
			s.EffectiveUntil = &u
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetBus(ctx context.Context, busID string) (model.Bus, error) {
	var b model.Bus
	var driver sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id, company_id, plate, capacity, driver_id FROM buses WHERE id=$1`, busID).
		Scan(&b.ID, &b.CompanyID, &b.Plate, &b.Capacity, &driver)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	b.DriverID = driver.String
	return b, err
}

func (p *Postgres) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
	var r model.Route
	err := p.db.QueryRowContext(ctx, `SELECT id, company_id, school_id, name FROM routes WHERE id=$1`, routeID).
		Scan(&r.ID, &r.CompanyID, &r.SchoolID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, route_id, name, lat, lng, stop_order FROM stops WHERE route_id=$1 ORDER BY stop_order, id`, routeID)
	if err != nil {
		return r, err
	}
	defer rows.Close()
	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.ID, &s.RouteID, &s.Name, &s.Lat, &s.Lng, &s.Order); err != nil {
			return r, err
		}
		r.Stops = append(r.Stops, s)
	}
	return r, rows.Err()
}

const childColumns = `id, company_id, school_id, COALESCE(parent_id, ''), name, pickup_lat, pickup_lng`

func scanChild(row rowScanner) (model.Child, error) {
	var c model.Child
	var lat, lng sql.NullFloat64
	if err := row.Scan(&c.ID, &c.CompanyID, &c.SchoolID, &c.ParentID, &c.Name, &lat, &lng); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	if lat.Valid && lng.Valid {
		c.Pickup = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	return c, nil
}

func (p *Postgres) GetChild(ctx context.Context, childID string) (model.Child, error) {
	return scanChild(p.db.QueryRowContext(ctx, `SELECT `+childColumns+` FROM children WHERE id=$1`, childID))
}

func (p *Postgres) ListChildrenBySchool(ctx context.Context, schoolID string) ([]model.Child, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+childColumns+` FROM children WHERE school_id=$1 ORDER BY id`, schoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Child{}
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const attendanceColumns = `id, child_id, trip_id, status, COALESCE(updated_by, ''), created_at, updated_at`

func scanAttendance(row rowScanner) (model.ChildAttendance, error) {
	var a model.ChildAttendance
	var status string
	if err := row.Scan(&a.ID, &a.ChildID, &a.TripID, &status, &a.UpdatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	a.Status = model.AttendanceStatus(status)
	return a, nil
}

func (p *Postgres) ListAttendanceForTrip(ctx context.Context, tripID string) ([]model.ChildAttendance, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+attendanceColumns+` FROM child_attendance WHERE trip_id=$1 ORDER BY child_id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ChildAttendance{}
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateAttendance(ctx context.Context, a model.ChildAttendance) (model.ChildAttendance, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	_, err := p.db.ExecContext(ctx, `INSERT INTO child_attendance (id, child_id, trip_id, status, updated_by, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$6)`,
		a.ID, a.ChildID, a.TripID, string(a.Status), nullIfEmpty(a.UpdatedBy), a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ChildAttendance{}, ErrConflict
		}
		if isForeignKeyViolation(err) {
			return model.ChildAttendance{}, ErrNotFound
		}
		return model.ChildAttendance{}, err
	}
	return a, nil
}

func (p *Postgres) UpdateAttendanceStatus(ctx context.Context, tripID, childID string, status model.AttendanceStatus, actorID string, at time.Time) (model.ChildAttendance, model.AttendanceStatus, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ChildAttendance{}, "", err
	}
	defer func() { _ = tx.Rollback() }()
	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM child_attendance WHERE trip_id=$1 AND child_id=$2 FOR UPDATE`, tripID, childID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChildAttendance{}, "", ErrNotFound
	}
	if err != nil {
		return model.ChildAttendance{}, "", err
	}
	a, err := scanAttendance(tx.QueryRowContext(ctx, `UPDATE child_attendance SET status=$1, updated_by=$2, updated_at=$3 WHERE trip_id=$4 AND child_id=$5 RETURNING `+attendanceColumns,
		string(status), nullIfEmpty(actorID), at, tripID, childID))
	if err != nil {
		return model.ChildAttendance{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return model.ChildAttendance{}, "", err
	}
	return a, model.AttendanceStatus(prev), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func splitDays(s string) []model.Weekday {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []model.Weekday
	for _, part := range strings.Split(s, ",") {
		if wd, ok := model.ParseWeekday(part); ok {
			out = append(out, wd)
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
