// Package attendance updates per-child trip attendance and raises trip
// exceptions (skip / unskip). Both feed the realtime broadcast path through
// domain events.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"busfleet/internal/events"
	"busfleet/internal/log"
	"busfleet/internal/model"
	"busfleet/internal/store"
)

var (
	ErrUnknownStatus = errors.New("unknown attendance status")
	// ErrTripClosed rejects changes to a COMPLETED trip.
	ErrTripClosed = errors.New("trip is completed")
)

type Service struct {
	store  store.Store
	events events.Publisher
	now    func() time.Time
	log    zerolog.Logger
}

func NewService(st store.Store, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{store: st, events: pub, now: func() time.Time { return time.Now().UTC() }, log: log.WithComponent("attendance")}
}

// UpdateStatus sets the child's attendance on a trip and emits attendance_updated.
func (s *Service) UpdateStatus(ctx context.Context, tripID, childID string, status model.AttendanceStatus, actorID string) (model.ChildAttendance, error) {
	if st, ok := model.ParseAttendanceStatus(string(status)); !ok || st != status {
		return model.ChildAttendance{}, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	trip, err := s.openTrip(ctx, tripID)
	if err != nil {
		return model.ChildAttendance{}, err
	}
	child, err := s.store.GetChild(ctx, childID)
	if err != nil {
		return model.ChildAttendance{}, err
	}
	at := s.now()
	row, prev, err := s.store.UpdateAttendanceStatus(ctx, tripID, childID, status, actorID, at)
	if err != nil {
		return model.ChildAttendance{}, err
	}
	tl := log.WithTripID(s.log, tripID)
	tl.Info().Str("child_id", childID).Str("status", string(status)).Str("previous", string(prev)).Msg("attendance updated")
	s.events.Publish(ctx, events.Event{
		Type:      events.AttendanceUpdated,
		Timestamp: at,
		Payload: events.AttendanceChange{
			TripID:         tripID,
			CompanyID:      trip.CompanyID,
			ChildID:        child.ID,
			ChildName:      child.Name,
			ParentID:       child.ParentID,
			Status:         row.Status,
			PreviousStatus: prev,
			ActorID:        actorID,
		},
	})
	if child.ParentID != "" && (status == model.AttendancePickedUp || status == model.AttendanceDropped) {
		s.Notify(ctx, child.ParentID, notificationTitle(status, child.Name), "", map[string]string{"tripId": tripID, "childId": child.ID})
	}
	return row, nil
}

// RequestSkip marks that childID will not ride tripID and emits trip_skip_requested.
func (s *Service) RequestSkip(ctx context.Context, tripID, childID, reason, actorID string) error {
	return s.skip(ctx, tripID, childID, reason, actorID, false)
}

// CancelSkip withdraws an earlier skip request and emits unskip_request.
func (s *Service) CancelSkip(ctx context.Context, tripID, childID, actorID string) error {
	return s.skip(ctx, tripID, childID, "", actorID, true)
}

func (s *Service) skip(ctx context.Context, tripID, childID, reason, actorID string, cancelled bool) error {
	trip, err := s.openTrip(ctx, tripID)
	if err != nil {
		return err
	}
	child, err := s.store.GetChild(ctx, childID)
	if err != nil {
		return err
	}
	if child.CompanyID != "" && child.CompanyID != trip.CompanyID {
		return store.ErrNotFound
	}
	tl := log.WithTripID(s.log, tripID)
	tl.Info().Str("child_id", childID).Bool("cancelled", cancelled).Msg("trip exception")
	typ := events.SkipRequested
	if cancelled {
		typ = events.SkipCancelled
	}
	s.events.Publish(ctx, events.Event{
		Type:      typ,
		Timestamp: s.now(),
		Payload: events.SkipChange{
			TripID:    tripID,
			CompanyID: trip.CompanyID,
			ChildID:   child.ID,
			ChildName: child.Name,
			Reason:    reason,
			ActorID:   actorID,
			Cancelled: cancelled,
		},
	})
	return nil
}

// Notify sends a generic notification to a user's room.
func (s *Service) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if userID == "" {
		return
	}
	s.events.Publish(ctx, events.Event{
		Type:      events.Notification,
		Timestamp: s.now(),
		Payload:   events.UserNotification{UserID: userID, Title: title, Body: body, Data: data},
	})
}

func (s *Service) openTrip(ctx context.Context, tripID string) (model.Trip, error) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return model.Trip{}, err
	}
	if trip.Status == model.TripCompleted {
		return model.Trip{}, ErrTripClosed
	}
	return trip, nil
}

func notificationTitle(status model.AttendanceStatus, name string) string {
	if status == model.AttendancePickedUp {
		return name + " was picked up"
	}
	return name + " was dropped off"
}
