package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"busfleet/internal/auth"
	"busfleet/internal/events"
	"busfleet/internal/heartbeat"
	"busfleet/internal/model"
	"busfleet/internal/store"
)

func directory(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.PutBus(model.Bus{ID: "B1", CompanyID: "co1", Plate: "KAA 001", DriverID: "d1"})
	m.PutBus(model.Bus{ID: "B2", CompanyID: "co2", Plate: "KBB 002"})
	m.PutBus(model.Bus{ID: "B3", CompanyID: "co1", Plate: "KCC 003"})
	_, err := m.CreateTrip(context.Background(), model.Trip{ID: "T1", CompanyID: "co1", BusID: "B1", DriverID: "d1", Status: model.TripInProgress}, model.TripHistory{})
	require.NoError(t, err)
	_, err = m.CreateTrip(context.Background(), model.Trip{ID: "T3", CompanyID: "co1", BusID: "B3", DriverID: "d3", Status: model.TripReturnInProgress}, model.TripHistory{})
	require.NoError(t, err)
	_, err = m.CreateTrip(context.Background(), model.Trip{ID: "T2", CompanyID: "co2", BusID: "B2", Status: model.TripScheduled}, model.TripHistory{})
	require.NoError(t, err)
	return m
}

type instance struct {
	hub *Hub
	mon *heartbeat.Monitor
	srv *httptest.Server
}

func startInstance(t *testing.T, dir Directory, bridge Bridge, mutate ...func(*Config)) *instance {
	t.Helper()
	cfg := Config{
		Directory: dir,
		Verifier:  auth.NewVerifier("dev", ""),
		Bridge:    bridge,
		Monitor:   heartbeat.NewMonitor(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h := NewHub(cfg)
	require.NoError(t, h.Start(context.Background()))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &instance{hub: h, mon: cfg.Monitor, srv: srv}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func (in *instance) dial(t *testing.T, token string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

// read returns the next frame named event, skipping others.
func (c *client) read(event string) envelope {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var env envelope
		require.NoError(c.t, c.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

// call sends a client event and waits for its ack.
func (c *client) call(event string, data any) ack {
	c.t.Helper()
	c.seq++
	id := strconv.Itoa(c.seq)
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(envelope{Event: event, ID: id, Data: raw}))
	for {
		env := c.read(EventAck)
		if env.ID != id {
			continue
		}
		var a ack
		require.NoError(c.t, json.Unmarshal(env.Data, &a))
		return a
	}
}

func gps(bus string, lat, lng float64) map[string]any {
	return map[string]any{"busId": bus, "latitude": lat, "longitude": lng, "speed": 32.5}
}

func TestLocationCrossesInstances(t *testing.T) {
	dir := directory(t)
	bridge := NewMemoryBridge()
	a := startInstance(t, dir, bridge)
	b := startInstance(t, dir, bridge)

	watcher := b.dial(t, "u2:company_admin:co1")
	require.True(t, watcher.call(EventJoinBusRoom, map[string]string{"busId": "B1"}).Success)

	driver := a.dial(t, "d1:driver:co1")
	res := driver.call(EventGPSUpdate, gps("B1", -1.29, 36.82))
	require.True(t, res.Success, res.Error)

	env := watcher.read(EventLocationUpdate)
	var loc LocationUpdate
	require.NoError(t, json.Unmarshal(env.Data, &loc))
	assert.Equal(t, "B1", loc.BusID)
	assert.Equal(t, "T1", loc.TripID)
	assert.Equal(t, -1.29, loc.Latitude)
	require.NotNil(t, loc.Speed)
	assert.Equal(t, 32.5, *loc.Speed)

	rec, ok := a.mon.Get("B1")
	require.True(t, ok)
	assert.EqualValues(t, 1, rec.SampleCount)
	assert.Equal(t, "co1", rec.CompanyID)
	_, ok = b.mon.Get("B1")
	assert.False(t, ok, "heartbeat state is per instance")
}

func TestTripRoomReceivesLocation(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge())
	parent := in.dial(t, "p1:parent:co1")
	require.True(t, parent.call(EventJoinTripRoom, map[string]string{"tripId": "T1"}).Success)

	driver := in.dial(t, "d1:driver:co1")
	require.True(t, driver.call(EventGPSUpdate, gps("B1", 1, 2)).Success)
	parent.read(EventLocationUpdate)

	require.True(t, parent.call(EventLeaveTripRoom, map[string]string{"tripId": "T1"}).Success)
	assert.Equal(t, 0, in.hub.RoomSize(TripRoom("T1")))
}

func TestTenantIsolation(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge())
	c := in.dial(t, "u9:company_admin:co2")

	for _, tc := range []struct {
		event string
		data  map[string]string
	}{
		{EventJoinBusRoom, map[string]string{"busId": "B1"}},
		{EventJoinTripRoom, map[string]string{"tripId": "T1"}},
		{EventJoinCompanyRoom, map[string]string{"companyId": "co1"}},
	} {
		a := c.call(tc.event, tc.data)
		assert.False(t, a.Success, tc.event)
		assert.Equal(t, ErrForbidden.Error(), a.Error, tc.event)
	}
	a := c.call(EventGPSUpdate, gps("B1", 1, 2))
	assert.False(t, a.Success)
	assert.Equal(t, ErrForbidden.Error(), a.Error)
	_, seen := in.mon.Get("B1")
	assert.False(t, seen)

	assert.Equal(t, 0, in.hub.RoomSize(BusRoom("B1")))
	assert.Equal(t, 0, in.hub.RoomSize(CompanyRoom("co1")))
	// the connection survives rejected joins
	assert.True(t, c.call(EventJoinBusRoom, map[string]string{"busId": "B2"}).Success)
	assert.True(t, c.call(EventJoinCompanyRoom, map[string]string{"companyId": "co2"}).Success)
}

func TestHandshakeRejected(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge())
	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/ws"

	for _, u := range []string{url, url + "?token=not-a-token"} {
		_, resp, err := websocket.DefaultDialer.Dial(u, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url+"?token=u1:parent:co1", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestMalformedInputKeepsConnection(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge())
	c := in.dial(t, "d1:driver:co1")

	for _, payload := range []any{
		gps("B1", 200, 0),
		map[string]any{"busId": "B1", "latitude": 1},
		map[string]any{"latitude": 1, "longitude": 2},
		map[string]any{"busId": "B1", "latitude": 1, "longitude": 2, "timestamp": "yesterday"},
		"not an object",
	} {
		a := c.call(EventGPSUpdate, payload)
		assert.False(t, a.Success, "%v", payload)
	}
	a := c.call("teleport", map[string]string{})
	assert.False(t, a.Success)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	bad := c.read(EventAck)
	var ba ack
	require.NoError(t, json.Unmarshal(bad.Data, &ba))
	assert.False(t, ba.Success)

	assert.True(t, c.call(EventGPSUpdate, gps("B1", 1, 2)).Success)
}

func TestGPSRateLimit(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge(), func(c *Config) {
		c.GPSRate = rate.Every(time.Hour)
		c.GPSBurst = 1
	})
	c := in.dial(t, "d1:driver:co1")
	assert.True(t, c.call(EventGPSUpdate, gps("B1", 1, 2)).Success)
	a := c.call(EventGPSUpdate, gps("B1", 1, 2))
	assert.False(t, a.Success)
	assert.Equal(t, ErrRateLimit.Error(), a.Error)
}

func TestBaselineRoomsAndRelay(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge())
	admin := in.dial(t, "a1:school_admin:co1")
	driver := in.dial(t, "d1:driver:co1")
	// a round trip guarantees both sessions are registered
	require.True(t, admin.call(EventLeaveBusRoom, map[string]string{"busId": "x"}).Success)
	require.True(t, driver.call(EventLeaveBusRoom, map[string]string{"busId": "x"}).Success)
	assert.Equal(t, 1, in.hub.RoomSize(CompanyRoom("co1")))
	assert.Equal(t, 1, in.hub.RoomSize(UserRoom("d1")))

	bus := events.NewBus()
	bus.Subscribe(NewRelay(in.hub).Handle)
	bus.Publish(context.Background(), events.Event{Type: events.TripStatusChanged, Payload: events.TripStatusChange{
		TripID: "T1", CompanyID: "co1", BusID: "B1", DriverID: "d1",
		Status: model.TripArrivedSchool, PreviousStatus: model.TripInProgress, ActorID: "d1",
	}})

	for _, c := range []*client{admin, driver} {
		env := c.read(string(events.TripStatusChanged))
		var body map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, "ARRIVED_SCHOOL", body["status"])
		assert.Equal(t, "IN_PROGRESS", body["previousStatus"])
	}
}

type brokenBridge struct{ *MemoryBridge }

func (brokenBridge) Publish(context.Context, Message) error { return errors.New("redis down") }

func TestBridgeFailureIsInvisibleToSender(t *testing.T) {
	in := startInstance(t, directory(t), brokenBridge{NewMemoryBridge()})
	c := in.dial(t, "d1:driver:co1")
	assert.True(t, c.call(EventGPSUpdate, gps("B1", 1, 2)).Success)
	_, ok := in.mon.Get("B1")
	assert.True(t, ok, "heartbeat is recorded even when fan-out fails")
}

func TestGPSRequiresDriverOrStaff(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge())
	watcher := in.dial(t, "u2:company_admin:co1")
	require.True(t, watcher.call(EventJoinBusRoom, map[string]string{"busId": "B1"}).Success)

	for _, token := range []string{"parent9:parent:co1", "d2:driver:co1", "d3:driver:co1"} {
		a := in.dial(t, token).call(EventGPSUpdate, gps("B1", 10, 10))
		assert.False(t, a.Success, token)
		assert.Equal(t, ErrForbidden.Error(), a.Error, token)
	}
	_, seen := in.mon.Get("B1")
	assert.False(t, seen, "rejected samples never mark the bus live")

	// assigned driver of the bus
	require.True(t, in.dial(t, "d1:driver:co1").call(EventGPSUpdate, gps("B1", 1, 2)).Success)
	var loc LocationUpdate
	require.NoError(t, json.Unmarshal(watcher.read(EventLocationUpdate).Data, &loc))
	assert.Equal(t, 1.0, loc.Latitude, "first broadcast is the driver's sample")

	// driver of the active trip on a bus with no assigned driver
	assert.True(t, in.dial(t, "d3:driver:co1").call(EventGPSUpdate, gps("B3", 1, 2)).Success)
	// staff
	assert.True(t, in.dial(t, "a1:school_admin:co1").call(EventGPSUpdate, gps("B3", 1, 2)).Success)
	rec, ok := in.mon.Get("B3")
	require.True(t, ok)
	assert.EqualValues(t, 2, rec.SampleCount)
}

func TestCompanyRoomIsStaffOnly(t *testing.T) {
	in := startInstance(t, directory(t), NewMemoryBridge())

	for _, token := range []string{"p1:parent:co1", "d1:driver:co1"} {
		a := in.dial(t, token).call(EventJoinCompanyRoom, map[string]string{"companyId": "co1"})
		assert.False(t, a.Success, token)
		assert.Equal(t, ErrForbidden.Error(), a.Error, token)
	}
	assert.Equal(t, 0, in.hub.RoomSize(CompanyRoom("co1")))

	admin := in.dial(t, "u1:company_admin:co1")
	assert.True(t, admin.call(EventJoinCompanyRoom, map[string]string{"companyId": "co1"}).Success)
	assert.Equal(t, 1, in.hub.RoomSize(CompanyRoom("co1")))
}
