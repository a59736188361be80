package trip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busfleet/internal/events"
	"busfleet/internal/model"
	"busfleet/internal/store"
)

type recorder struct{ got []events.Event }

func (r *recorder) Publish(_ context.Context, e events.Event) { r.got = append(r.got, e) }

func newTrip(t *testing.T, st *store.Memory, status model.TripStatus) model.Trip {
	t.Helper()
	tr, err := st.CreateTrip(context.Background(), model.Trip{
		CompanyID: "co1", BusID: "b1", DriverID: "d1", ServiceDate: "2024-09-02", Status: status,
	}, model.TripHistory{Status: status, At: time.Now()})
	require.NoError(t, err)
	return tr
}

func TestTransitionGrid(t *testing.T) {
	for _, from := range model.TripStatuses {
		for _, to := range model.TripStatuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				st := store.NewMemory()
				m := NewMachine(st, nil)
				tr := newTrip(t, st, from)

				got, err := m.Transition(context.Background(), tr.ID, to, "actor")
				hist, herr := st.ListTripHistory(context.Background(), tr.ID)
				require.NoError(t, herr)

				if CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					require.Len(t, hist, 2)
					assert.Equal(t, to, hist[1].Status)
					assert.Equal(t, "actor", hist[1].ActorID)
					return
				}
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, from, ite.From)
				stored, _ := st.GetTrip(context.Background(), tr.ID)
				assert.Equal(t, from, stored.Status)
				assert.Len(t, hist, 1)
			})
		}
	}
}

func TestScheduledToArrivedSchoolRejected(t *testing.T) {
	st := store.NewMemory()
	m := NewMachine(st, nil)
	tr := newTrip(t, st, model.TripScheduled)

	_, err := m.Transition(context.Background(), tr.ID, model.TripArrivedSchool, "d1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	stored, _ := st.GetTrip(context.Background(), tr.ID)
	assert.Equal(t, model.TripScheduled, stored.Status)
}

func TestTransitionStampsAndPublishes(t *testing.T) {
	st := store.NewMemory()
	rec := &recorder{}
	m := NewMachine(st, rec)
	clock := time.Date(2024, 9, 2, 7, 2, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	tr := newTrip(t, st, model.TripScheduled)
	ctx := context.Background()

	got, err := m.Transition(ctx, tr.ID, model.TripInProgress, "d1")
	require.NoError(t, err)
	assert.Equal(t, clock, got.StartTime)
	assert.Nil(t, got.EndTime)

	for _, s := range []model.TripStatus{model.TripArrivedSchool, model.TripReturnInProgress} {
		_, err = m.Transition(ctx, tr.ID, s, "d1")
		require.NoError(t, err)
	}
	clock = clock.Add(3 * time.Hour)
	got, err = m.Transition(ctx, tr.ID, model.TripCompleted, "d1")
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, clock, *got.EndTime)

	require.Len(t, rec.got, 4)
	last := rec.got[3].Payload.(events.TripStatusChange)
	assert.Equal(t, events.TripStatusChanged, rec.got[3].Type)
	assert.Equal(t, model.TripCompleted, last.Status)
	assert.Equal(t, model.TripReturnInProgress, last.PreviousStatus)
	assert.Equal(t, "co1", last.CompanyID)
	assert.Equal(t, "d1", last.DriverID)
}

func TestTransitionInputErrors(t *testing.T) {
	st := store.NewMemory()
	m := NewMachine(st, nil)
	tr := newTrip(t, st, model.TripScheduled)

	_, err := m.Transition(context.Background(), "nope", model.TripInProgress, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Transition(context.Background(), tr.ID, model.TripStatus("CANCELLED"), "d1")
	assert.ErrorIs(t, err, ErrUnknownStatus)
	_, err = m.Transition(context.Background(), tr.ID, model.TripStatus("in_progress"), "d1")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

// failingStore fails or races ApplyTransition.
type failingStore struct {
	*store.Memory
	err  error
	race model.TripStatus
}

func (f *failingStore) ApplyTransition(ctx context.Context, tr store.Transition) (model.Trip, error) {
	if f.race != "" {
		if _, err := f.Memory.ApplyTransition(ctx, store.Transition{TripID: tr.TripID, From: tr.From, To: f.race, At: tr.At}); err != nil {
			return model.Trip{}, err
		}
		return f.Memory.ApplyTransition(ctx, tr)
	}
	return model.Trip{}, f.err
}

func TestTransitionSurfacesStoreFailure(t *testing.T) {
	mem := store.NewMemory()
	tr := newTrip(t, mem, model.TripScheduled)
	boom := errors.New("history insert failed")
	rec := &recorder{}
	m := NewMachine(&failingStore{Memory: mem, err: boom}, rec)

	_, err := m.Transition(context.Background(), tr.ID, model.TripInProgress, "d1")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.got)
}

func TestTransitionLosesRace(t *testing.T) {
	mem := store.NewMemory()
	tr := newTrip(t, mem, model.TripScheduled)
	m := NewMachine(&failingStore{Memory: mem, race: model.TripInProgress}, nil)

	_, err := m.Transition(context.Background(), tr.ID, model.TripInProgress, "d2")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, model.TripInProgress, ite.From)
}
