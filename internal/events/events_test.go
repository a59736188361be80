package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInOrderAndUnsubscribes(t *testing.T) {
	b := NewBus()
	var got []string
	unsubA := b.Subscribe(func(_ context.Context, e Event) { got = append(got, "a:"+string(e.Type)) })
	b.Subscribe(func(_ context.Context, e Event) { got = append(got, "b:"+string(e.Type)) })

	b.Publish(context.Background(), Event{Type: BusStale})
	unsubA()
	unsubA()
	b.Publish(context.Background(), Event{Type: Notification})

	assert.Equal(t, []string{"a:bus_stale", "b:bus_stale", "b:notification"}, got)
}

func TestBusStampsEvents(t *testing.T) {
	b := NewBus()
	var seen Event
	b.Subscribe(func(_ context.Context, e Event) { seen = e })
	b.Publish(context.Background(), Event{Type: TripStatusChanged, Payload: TripStatusChange{TripID: "t1"}})

	assert.NotEmpty(t, seen.ID)
	assert.False(t, seen.Timestamp.IsZero())
	assert.Equal(t, "t1", seen.Payload.(TripStatusChange).TripID)
}

func TestBusHandlerMaySubscribeDuringPublish(t *testing.T) {
	b := NewBus()
	calls := 0
	b.Subscribe(func(context.Context, Event) {
		calls++
		b.Subscribe(func(context.Context, Event) { calls++ })
	})
	b.Publish(context.Background(), Event{Type: Notification})
	assert.Equal(t, 1, calls)
}
