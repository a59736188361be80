package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"busfleet/internal/model"
)

// Client event names.
const (
	EventJoinBusRoom     = "join_bus_room"
	EventLeaveBusRoom    = "leave_bus_room"
	EventJoinCompanyRoom = "join_company_room"
	EventJoinTripRoom    = "join_trip_room"
	EventLeaveTripRoom   = "leave_trip_room"
	EventGPSUpdate       = "gps_update"

	EventAck            = "ack"
	EventLocationUpdate = "location_update"
)

var (
	// ErrForbidden is a room or bus outside the caller's tenant.
	ErrForbidden = errors.New("forbidden")
	ErrMalformed = errors.New("malformed payload")
	ErrRateLimit = errors.New("rate limited")
)

func UserRoom(id string) string    { return "user:" + id }
func CompanyRoom(id string) string { return "company:" + id }
func TripRoom(id string) string    { return "trip:" + id }
func BusRoom(id string) string     { return "bus:" + id }

// envelope is the frame shape in both directions.
type envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type busPayload struct {
	BusID string `json:"busId"`
}

type tripPayload struct {
	TripID string `json:"tripId"`
}

type companyPayload struct {
	CompanyID string `json:"companyId"`
}

type gpsPayload struct {
	BusID     string          `json:"busId"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Speed     *float64        `json:"speed,omitempty"`
	Heading   *float64        `json:"heading,omitempty"`
	Accuracy  *float64        `json:"accuracy,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// LocationUpdate is the location_update broadcast body.
type LocationUpdate struct {
	BusID     string    `json:"busId"`
	TripID    string    `json:"tripId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrMalformed
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s required", ErrMalformed, field)
	}
	return nil
}

// parseGPS validates a gps_update body. A missing timestamp yields the zero time.
func parseGPS(data json.RawMessage) (gpsPayload, time.Time, error) {
	var p gpsPayload
	if err := decode(data, &p); err != nil {
		return p, time.Time{}, err
	}
	if err := requireID("busId", p.BusID); err != nil {
		return p, time.Time{}, err
	}
	if p.Latitude == nil || p.Longitude == nil || !model.ValidCoordinate(*p.Latitude, *p.Longitude) {
		return p, time.Time{}, fmt.Errorf("%w: invalid coordinates", ErrMalformed)
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return p, time.Time{}, err
	}
	return p, ts, nil
}

// parseTimestamp accepts RFC 3339 strings or epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp", ErrMalformed)
		}
		return t.UTC(), nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp", ErrMalformed)
	}
	return time.UnixMilli(ms).UTC(), nil
}
