// Package events is the in-process domain event bus. Producers (trip machine,
// attendance service, heartbeat sweeper) publish here; the realtime relay
// subscribes and turns events into room broadcasts.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"busfleet/internal/model"
)

// Type names a domain event. The values double as the realtime event names.
type Type string

const (
	TripStatusChanged Type = "trip_status_changed"
	AttendanceUpdated Type = "attendance_updated"
	SkipRequested     Type = "trip_skip_requested"
	SkipCancelled     Type = "unskip_request"
	BusStale          Type = "bus_stale"
	Notification      Type = "notification"
)

// Event is a domain event. Payload holds one of the payload structs below.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Payload   any
}

type TripStatusChange struct {
	TripID         string
	CompanyID      string
	BusID          string
	DriverID       string
	Status         model.TripStatus
	PreviousStatus model.TripStatus
	ActorID        string
}

type AttendanceChange struct {
	TripID         string
	CompanyID      string
	ChildID        string
	ChildName      string
	ParentID       string
	Status         model.AttendanceStatus
	PreviousStatus model.AttendanceStatus
	ActorID        string
}

// SkipChange is a trip exception for one child. Cancelled marks an unskip.
type SkipChange struct {
	TripID    string
	CompanyID string
	ChildID   string
	ChildName string
	Reason    string
	ActorID   string
	Cancelled bool
}

type BusStaleChange struct {
	BusID      string
	CompanyID  string
	LastSeenAt time.Time
}

type UserNotification struct {
	UserID string
	Title  string
	Body   string
	Data   map[string]string
}

// Handler receives published events. It runs on the publisher's goroutine.
type Handler func(ctx context.Context, e Event)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus delivers events synchronously to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscription
}

type subscription struct {
	id int
	fn Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.handlers {
				if s.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish fills in ID and Timestamp when unset and calls every handler.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, s := range b.handlers {
		hs = append(hs, s.fn)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
