// Package model holds the fleet entities shared by the store, the trip engine
// and the realtime gateway.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TripStatus is the state-machine governed status of a Trip.
type TripStatus string

const (
	TripScheduled        TripStatus = "SCHEDULED"
	TripInProgress       TripStatus = "IN_PROGRESS"
	TripArrivedSchool    TripStatus = "ARRIVED_SCHOOL"
	TripReturnInProgress TripStatus = "RETURN_IN_PROGRESS"
	TripCompleted        TripStatus = "COMPLETED"
)

// TripStatuses lists every status in lifecycle order.
var TripStatuses = []TripStatus{TripScheduled, TripInProgress, TripArrivedSchool, TripReturnInProgress, TripCompleted}

// ParseTripStatus reports whether s names a known trip status. Matching is case-insensitive.
func ParseTripStatus(s string) (TripStatus, bool) {
	up := TripStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range TripStatuses {
		if st == up {
			return st, true
		}
	}
	return "", false
}

// Valid reports whether s is exactly one of TripStatuses.
func (s TripStatus) Valid() bool {
	for _, st := range TripStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Moving reports whether a bus running a trip in this status is on the road.
func (s TripStatus) Moving() bool { return s == TripInProgress || s == TripReturnInProgress }

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	ScheduleSuspended ScheduleStatus = "SUSPENDED"
)

// GeneratedBy records which path created a trip.
type GeneratedBy string

const (
	GeneratedByCron   GeneratedBy = "cron"
	GeneratedByManual GeneratedBy = "manual"
)

type AttendanceStatus string

const (
	AttendancePending  AttendanceStatus = "PENDING"
	AttendancePickedUp AttendanceStatus = "PICKED_UP"
	AttendanceDropped  AttendanceStatus = "DROPPED"
	AttendanceMissed   AttendanceStatus = "MISSED"
)

// ParseAttendanceStatus reports whether s names a known attendance status.
func ParseAttendanceStatus(s string) (AttendanceStatus, bool) {
	switch st := AttendanceStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case AttendancePending, AttendancePickedUp, AttendanceDropped, AttendanceMissed:
		return st, true
	}
	return "", false
}

// Weekday is the upper-case English day name used in recurrence rules.
type Weekday string

const (
	Monday    Weekday = "MONDAY"
	Tuesday   Weekday = "TUESDAY"
	Wednesday Weekday = "WEDNESDAY"
	Thursday  Weekday = "THURSDAY"
	Friday    Weekday = "FRIDAY"
	Saturday  Weekday = "SATURDAY"
	Sunday    Weekday = "SUNDAY"
)

// WeekdayOf returns the recurrence weekday of t in t's location.
func WeekdayOf(t time.Time) Weekday {
	return Weekday(strings.ToUpper(t.Weekday().String()))
}

// ParseWeekday accepts full or three-letter day names in any case.
func ParseWeekday(s string) (Weekday, bool) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, d := range []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday} {
		if up == string(d) || (len(up) == 3 && strings.HasPrefix(string(d), up)) {
			return d, true
		}
	}
	return "", false
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is finite and within WGS84 bounds.
func (p GeoPoint) Valid() bool { return ValidCoordinate(p.Lat, p.Lng) }

// ValidCoordinate reports whether lat/lng are finite and in range.
func ValidCoordinate(lat, lng float64) bool {
	// NaN fails every comparison, infinities fail the range check.
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

type Bus struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	Plate     string `json:"plate"`
	Capacity  int    `json:"capacity"`
	DriverID  string `json:"driverId,omitempty"`
}

type Stop struct {
	ID      string  `json:"id"`
	RouteID string  `json:"routeId"`
	Name    string  `json:"name,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Order   int     `json:"order"`
}

type Route struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	SchoolID  string `json:"schoolId"`
	Name      string `json:"name,omitempty"`
	Stops     []Stop `json:"stops"`
}

// ScheduledRoute is a recurrence rule binding a route to a bus and driver.
type ScheduledRoute struct {
	ID                 string         `json:"id"`
	CompanyID          string         `json:"companyId"`
	RouteID            string         `json:"routeId"`
	BusID              string         `json:"busId"`
	DriverID           string         `json:"driverId"`
	ScheduledTime      string         `json:"scheduledTime"` // HH:MM local
	RecurringDays      []Weekday      `json:"recurringDays"`
	EffectiveFrom      *time.Time     `json:"effectiveFrom,omitempty"`
	EffectiveUntil     *time.Time     `json:"effectiveUntil,omitempty"`
	Status             ScheduleStatus `json:"status"`
	AutoAssignChildren bool           `json:"autoAssignChildren"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// RunsOn reports whether the schedule is active, recurs on day's weekday and
// day falls inside the inclusive effective window. Nil bounds are open.
func (s ScheduledRoute) RunsOn(day time.Time) bool {
	if s.Status != ScheduleActive {
		return false
	}
	wd := WeekdayOf(day)
	found := false
	for _, d := range s.RecurringDays {
		if d == wd {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	key := DateKey(day)
	if s.EffectiveFrom != nil && key < DateKey(*s.EffectiveFrom) {
		return false
	}
	if s.EffectiveUntil != nil && key > DateKey(*s.EffectiveUntil) {
		return false
	}
	return true
}

// StartOn combines day with the schedule's HH:MM time in day's location.
func (s ScheduledRoute) StartOn(day time.Time) (time.Time, error) {
	h, m, err := ParseClock(s.ScheduledTime)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := day.Date()
	return time.Date(y, mo, d, h, m, 0, 0, day.Location()), nil
}

type Trip struct {
	ID               string      `json:"id"`
	CompanyID        string      `json:"companyId"`
	ScheduledRouteID string      `json:"scheduledRouteId,omitempty"`
	BusID            string      `json:"busId"`
	RouteID          string      `json:"routeId"`
	DriverID         string      `json:"driverId"`
	ServiceDate      string      `json:"serviceDate"` // YYYY-MM-DD
	Status           TripStatus  `json:"status"`
	StartTime        time.Time   `json:"startTime"`
	EndTime          *time.Time  `json:"endTime,omitempty"`
	GeneratedBy      GeneratedBy `json:"generatedBy,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// TripHistory is one append-only entry of a trip's status log.
type TripHistory struct {
	ID      string     `json:"id"`
	TripID  string     `json:"tripId"`
	Status  TripStatus `json:"status"`
	ActorID string     `json:"actorId,omitempty"`
	At      time.Time  `json:"at"`
}

type Child struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId"`
	SchoolID  string    `json:"schoolId"`
	ParentID  string    `json:"parentId,omitempty"`
	Name      string    `json:"name"`
	Pickup    *GeoPoint `json:"pickup,omitempty"`
}

// ChildAttendance is unique per (ChildID, TripID).
type ChildAttendance struct {
	ID        string           `json:"id"`
	ChildID   string           `json:"childId"`
	TripID    string           `json:"tripId"`
	Status    AttendanceStatus `json:"status"`
	UpdatedBy string           `json:"updatedBy,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// DateKey formats t as YYYY-MM-DD in t's location.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }

// StartOfDay truncates t to local midnight.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseClock parses HH:MM (an optional :SS suffix is ignored).
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
