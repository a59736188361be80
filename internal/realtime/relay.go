package realtime

import (
	"context"
	"time"

	"busfleet/internal/events"
)

// Broadcaster publishes an event to rooms across instances.
type Broadcaster interface {
	Broadcast(ctx context.Context, rooms []string, event string, data any)
}

// Relay turns domain events into room broadcasts. Subscribe its Handle to an events.Bus.
type Relay struct {
	out Broadcaster
}

func NewRelay(out Broadcaster) *Relay {
	return &Relay{out: out}
}

type tripStatusBody struct {
	TripID         string    `json:"tripId"`
	BusID          string    `json:"busId"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus"`
	ActorID        string    `json:"actorId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type attendanceBody struct {
	ChildID        string    `json:"childId"`
	ChildName      string    `json:"childName"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus"`
	TripID         string    `json:"tripId"`
	Timestamp      time.Time `json:"timestamp"`
}

type skipBody struct {
	TripID    string    `json:"tripId"`
	ChildID   string    `json:"childId"`
	ChildName string    `json:"childName,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type busStaleBody struct {
	BusID      string    `json:"busId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Timestamp  time.Time `json:"timestamp"`
}

type notificationBody struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (r *Relay) Handle(ctx context.Context, e events.Event) {
	switch p := e.Payload.(type) {
	case events.TripStatusChange:
		r.out.Broadcast(ctx, targets(room(TripRoom, p.TripID), room(CompanyRoom, p.CompanyID), room(UserRoom, p.DriverID)), string(events.TripStatusChanged), tripStatusBody{
			TripID: p.TripID, BusID: p.BusID, Status: string(p.Status), PreviousStatus: string(p.PreviousStatus),
			ActorID: p.ActorID, Timestamp: e.Timestamp,
		})
	case events.AttendanceChange:
		r.out.Broadcast(ctx, targets(room(TripRoom, p.TripID), room(CompanyRoom, p.CompanyID), room(UserRoom, p.ParentID)), string(events.AttendanceUpdated), attendanceBody{
			ChildID: p.ChildID, ChildName: p.ChildName, Status: string(p.Status), PreviousStatus: string(p.PreviousStatus),
			TripID: p.TripID, Timestamp: e.Timestamp,
		})
	case events.SkipChange:
		name := events.SkipRequested
		if p.Cancelled {
			name = events.SkipCancelled
		}
		r.out.Broadcast(ctx, targets(room(TripRoom, p.TripID), room(CompanyRoom, p.CompanyID)), string(name), skipBody{
			TripID: p.TripID, ChildID: p.ChildID, ChildName: p.ChildName, Reason: p.Reason, ActorID: p.ActorID, Timestamp: e.Timestamp,
		})
	case events.BusStaleChange:
		r.out.Broadcast(ctx, targets(room(CompanyRoom, p.CompanyID)), string(events.BusStale), busStaleBody{
			BusID: p.BusID, LastSeenAt: p.LastSeenAt, Timestamp: e.Timestamp,
		})
	case events.UserNotification:
		r.out.Broadcast(ctx, targets(room(UserRoom, p.UserID)), string(events.Notification), notificationBody{
			Title: p.Title, Body: p.Body, Data: p.Data, Timestamp: e.Timestamp,
		})
	}
}

func room(name func(string) string, id string) string {
	if id == "" {
		return ""
	}
	return name(id)
}

func targets(rooms ...string) []string {
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
