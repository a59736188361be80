package attendance

import (
	"context"
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

func setup(t *testing.T, status model.TripStatus) (*store.Memory, *Service, *recorder) {
	t.Helper()
	st := store.NewMemory()
	st.PutChild(model.Child{ID: "c1", CompanyID: "co1", SchoolID: "sch1", ParentID: "p1", Name: "Ada"})
	st.PutChild(model.Child{ID: "c9", CompanyID: "co2", SchoolID: "sch9", Name: "Zed"})
	_, err := st.CreateTrip(context.Background(), model.Trip{ID: "T1", CompanyID: "co1", Status: status}, model.TripHistory{})
	require.NoError(t, err)
	_, err = st.CreateAttendance(context.Background(), model.ChildAttendance{ChildID: "c1", TripID: "T1", Status: model.AttendancePending})
	require.NoError(t, err)
	rec := &recorder{}
	svc := NewService(st, rec)
	svc.now = func() time.Time { return time.Date(2024, 9, 2, 7, 10, 0, 0, time.UTC) }
	return st, svc, rec
}

func TestUpdateStatusEmitsEvent(t *testing.T) {
	_, svc, rec := setup(t, model.TripInProgress)

	row, err := svc.UpdateStatus(context.Background(), "T1", "c1", model.AttendancePickedUp, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.AttendancePickedUp, row.Status)

	require.Len(t, rec.got, 2)
	assert.Equal(t, events.AttendanceUpdated, rec.got[0].Type)
	p := rec.got[0].Payload.(events.AttendanceChange)
	assert.Equal(t, events.AttendanceChange{
		TripID: "T1", CompanyID: "co1", ChildID: "c1", ChildName: "Ada", ParentID: "p1",
		Status: model.AttendancePickedUp, PreviousStatus: model.AttendancePending, ActorID: "d1",
	}, p)
	assert.Equal(t, events.Notification, rec.got[1].Type)
	assert.Equal(t, "p1", rec.got[1].Payload.(events.UserNotification).UserID)
}

func TestUpdateStatusErrors(t *testing.T) {
	_, svc, rec := setup(t, model.TripInProgress)
	ctx := context.Background()

	_, err := svc.UpdateStatus(ctx, "T1", "c1", model.AttendanceStatus("LATE"), "d1")
	assert.ErrorIs(t, err, ErrUnknownStatus)
	_, err = svc.UpdateStatus(ctx, "T1", "c1", model.AttendanceStatus("picked_up"), "d1")
	assert.ErrorIs(t, err, ErrUnknownStatus)
	_, err = svc.UpdateStatus(ctx, "nope", "c1", model.AttendanceMissed, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.UpdateStatus(ctx, "T1", "ghost", model.AttendanceMissed, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.UpdateStatus(ctx, "T1", "c9", model.AttendanceMissed, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound, "no attendance row for that child")
	assert.Empty(t, rec.got)
}

func TestCompletedTripIsClosed(t *testing.T) {
	_, svc, _ := setup(t, model.TripCompleted)
	_, err := svc.UpdateStatus(context.Background(), "T1", "c1", model.AttendanceDropped, "d1")
	assert.ErrorIs(t, err, ErrTripClosed)
	assert.ErrorIs(t, svc.RequestSkip(context.Background(), "T1", "c1", "sick", "p1"), ErrTripClosed)
}

func TestSkipAndUnskip(t *testing.T) {
	_, svc, rec := setup(t, model.TripScheduled)
	ctx := context.Background()

	require.NoError(t, svc.RequestSkip(ctx, "T1", "c1", "sick", "p1"))
	require.NoError(t, svc.CancelSkip(ctx, "T1", "c1", "p1"))
	assert.ErrorIs(t, svc.RequestSkip(ctx, "T1", "c9", "", "p1"), store.ErrNotFound)

	require.Len(t, rec.got, 2)
	assert.Equal(t, events.SkipRequested, rec.got[0].Type)
	skip := rec.got[0].Payload.(events.SkipChange)
	assert.Equal(t, "sick", skip.Reason)
	assert.Equal(t, "co1", skip.CompanyID)
	assert.Equal(t, events.SkipCancelled, rec.got[1].Type)
	assert.True(t, rec.got[1].Payload.(events.SkipChange).Cancelled)
}
