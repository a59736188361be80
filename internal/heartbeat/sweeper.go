package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"busfleet/internal/events"
	"busfleet/internal/log"
	"busfleet/internal/metrics"
)

// Sweeper periodically classifies buses, keeps the stale gauge current and
// publishes a bus_stale event once per live-to-stale flip.
type Sweeper struct {
	Monitor    *Monitor
	Events     events.Publisher
	StaleAfter time.Duration
	Interval   time.Duration
	Stop       chan struct{}

	now func() time.Time
	log zerolog.Logger
}

func NewSweeper(m *Monitor, pub events.Publisher, staleAfter, interval time.Duration) *Sweeper {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Sweeper{
		Monitor:    m,
		Events:     pub,
		StaleAfter: staleAfter,
		Interval:   interval,
		Stop:       make(chan struct{}),
		now:        time.Now,
		log:        log.WithComponent("heartbeat"),
	}
}

func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.Stop:
				return
			case <-ticker.C:
				s.SweepOnce(context.Background())
			}
		}
	}()
}

// SweepOnce runs a single classification pass and returns the stale count.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.now()
	stale, flipped := s.Monitor.sweep(now, s.StaleAfter)
	metrics.StaleBuses.Set(float64(stale))
	for _, r := range flipped {
		tl := log.WithBusID(s.log, r.BusID)
		tl.Warn().Str("company_id", r.CompanyID).Time("last_seen_at", r.LastSeenAt).Msg("bus went stale")
		if r.CompanyID == "" {
			continue
		}
		s.Events.Publish(ctx, events.Event{
			Type:      events.BusStale,
			Timestamp: now,
			Payload:   events.BusStaleChange{BusID: r.BusID, CompanyID: r.CompanyID, LastSeenAt: r.LastSeenAt},
		})
	}
	return stale
}
