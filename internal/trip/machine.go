// Package trip governs trip status transitions.
//
// The lifecycle is a strict forward-only chain:
//
//	SCHEDULED -> IN_PROGRESS -> ARRIVED_SCHOOL -> RETURN_IN_PROGRESS -> COMPLETED
//
// COMPLETED is terminal. Skips, backward moves and self-loops are rejected.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"busfleet/internal/events"
	"busfleet/internal/log"
	"busfleet/internal/metrics"
	"busfleet/internal/model"
	"busfleet/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid trip status transition")
	ErrUnknownStatus     = errors.New("unknown trip status")
)

// InvalidTransitionError carries the rejected edge. It matches ErrInvalidTransition.
type InvalidTransitionError struct {
	From model.TripStatus
	To   model.TripStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move trip from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

var allowedNext = map[model.TripStatus]model.TripStatus{
	model.TripScheduled:        model.TripInProgress,
	model.TripInProgress:       model.TripArrivedSchool,
	model.TripArrivedSchool:    model.TripReturnInProgress,
	model.TripReturnInProgress: model.TripCompleted,
}

// AllowedNext returns the single status reachable from s, if any.
func AllowedNext(s model.TripStatus) (model.TripStatus, bool) {
	n, ok := allowedNext[s]
	return n, ok
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to model.TripStatus) bool {
	n, ok := allowedNext[from]
	return ok && n == to
}

// Machine applies transitions against a store and publishes the result.
type Machine struct {
	store  store.Store
	events events.Publisher
	now    func() time.Time
	log    zerolog.Logger
}

func NewMachine(st store.Store, pub events.Publisher) *Machine {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Machine{
		store:  st,
		events: pub,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.WithComponent("machine"),
	}
}

// Transition moves tripID to the requested status on behalf of actorID.
// The trip is left untouched on any error.
func (m *Machine) Transition(ctx context.Context, tripID string, to model.TripStatus, actorID string) (model.Trip, error) {
	if !to.Valid() {
		metrics.Transitions.WithLabelValues("unknown", "invalid").Inc()
		return model.Trip{}, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	cur, err := m.store.GetTrip(ctx, tripID)
	if err != nil {
		return model.Trip{}, err
	}
	if !CanTransition(cur.Status, to) {
		metrics.Transitions.WithLabelValues(string(to), "invalid").Inc()
		return model.Trip{}, &InvalidTransitionError{From: cur.Status, To: to}
	}

	at := m.now()
	updated, err := m.store.ApplyTransition(ctx, store.Transition{
		TripID:     tripID,
		From:       cur.Status,
		To:         to,
		ActorID:    actorID,
		At:         at,
		HistoryID:  uuid.New().String(),
		StampStart: to == model.TripInProgress,
		StampEnd:   to == model.TripCompleted,
	})
	if errors.Is(err, store.ErrConflict) {
		// Someone else moved the trip first. The chain is forward-only, so the
		// requested edge can no longer be valid from wherever it is now.
		latest, gerr := m.store.GetTrip(ctx, tripID)
		if gerr != nil {
			return model.Trip{}, gerr
		}
		metrics.Transitions.WithLabelValues(string(to), "invalid").Inc()
		return model.Trip{}, &InvalidTransitionError{From: latest.Status, To: to}
	}
	if err != nil {
		metrics.Transitions.WithLabelValues(string(to), "error").Inc()
		tl := log.WithTripID(m.log, tripID)
		tl.Error().Err(err).Str("to", string(to)).Msg("apply transition")
		return model.Trip{}, fmt.Errorf("apply transition %s->%s: %w", cur.Status, to, err)
	}
	metrics.Transitions.WithLabelValues(string(to), "ok").Inc()
	tl := log.WithTripID(m.log, tripID)
	tl.Info().Str("from", string(cur.Status)).Str("to", string(to)).Str("actor_id", actorID).Msg("trip transitioned")

	m.events.Publish(ctx, events.Event{
		Type:      events.TripStatusChanged,
		Timestamp: at,
		Payload: events.TripStatusChange{
			TripID:         updated.ID,
			CompanyID:      updated.CompanyID,
			BusID:          updated.BusID,
			DriverID:       updated.DriverID,
			Status:         updated.Status,
			PreviousStatus: cur.Status,
			ActorID:        actorID,
		},
	})
	return updated, nil
}
