// Package main runs a demo driver client against a local fleetd: it starts a
// trip, streams a few GPS samples and prints every frame it receives.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	port := getenv("PORT", "8080")
	token := getenv("TOKEN", "drv-1:DRIVER:co-demo") // dev auth mode
	busID := getenv("BUS_ID", "bus-1")
	tripID := os.Getenv("TRIP_ID")
	base := fmt.Sprintf("http://localhost:%s", port)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m frame
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s [%s]: %s", m.Event, m.ID, string(m.Data))
		}
	}()

	send := func(id int, event string, data any) {
		raw, _ := json.Marshal(data)
		if err := c.WriteJSON(frame{Event: event, ID: strconv.Itoa(id), Data: raw}); err != nil {
			log.Fatal(err)
		}
	}
	send(1, "join_bus_room", map[string]string{"busId": busID})
	if tripID != "" {
		send(2, "join_trip_room", map[string]string{"tripId": tripID})
		// Start the trip so samples also reach the trip room
		body, _ := json.Marshal(map[string]string{"status": "IN_PROGRESS"})
		req, _ := http.NewRequest(http.MethodPost, base+"/v1/trips/"+tripID+"/status", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		_ = resp.Body.Close()
		log.Printf("start trip %s: %s", tripID, resp.Status)
	}

	lat, lng := 40.4168, -3.7038
	for i := 0; i < 5; i++ {
		send(10+i, "gps_update", map[string]any{
			"busId":     busID,
			"latitude":  lat + float64(i)*0.0005,
			"longitude": lng,
			"speed":     32.5,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		time.Sleep(300 * time.Millisecond)
	}

	// Wait briefly to receive the tail of the broadcasts
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
