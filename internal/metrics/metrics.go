package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for fleetd
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WSConnections is the number of open realtime sessions on this instance
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "realtime_connections", Help: "Open realtime websocket sessions."},
	)
	// ClientEvents counts inbound client events by event name and outcome (ok, rejected, invalid)
	ClientEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "realtime_client_events_total", Help: "Inbound realtime client events."},
		[]string{"event", "outcome"},
	)
	// GPSSamples counts accepted gps_update samples
	GPSSamples = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "realtime_gps_samples_total", Help: "Accepted GPS samples."},
	)
	// BridgePublishes counts bridge publishes by outcome (ok, error)
	BridgePublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridge_publishes_total", Help: "Pub/sub bridge publishes by outcome."},
		[]string{"outcome"},
	)
	// BridgeDeliveries counts messages received from the bridge and fanned out locally
	BridgeDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridge_deliveries_total", Help: "Bridge messages delivered to local rooms by event."},
		[]string{"event"},
	)
	// StaleBuses is the number of seen buses whose last sample is older than the staleness threshold
	StaleBuses = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "heartbeat_stale_buses", Help: "Buses currently classified stale."},
	)

	// TripsGenerated counts trips created by the scheduler by generated_by (cron, manual)
	TripsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_trips_generated_total", Help: "Trips created by the scheduler."},
		[]string{"generated_by"},
	)
	// GenerationFailures counts schedules that failed during a generation run
	GenerationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_generation_failures_total", Help: "Schedules that failed to generate."},
	)
	// Transitions counts trip status transitions by target status and outcome (ok, invalid, error)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trip_transitions_total", Help: "Trip status transitions."},
		[]string{"to", "outcome"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WSConnections)
		Registry.MustRegister(ClientEvents)
		Registry.MustRegister(GPSSamples)
		Registry.MustRegister(BridgePublishes)
		Registry.MustRegister(BridgeDeliveries)
		Registry.MustRegister(StaleBuses)
		Registry.MustRegister(TripsGenerated)
		Registry.MustRegister(GenerationFailures)
		Registry.MustRegister(Transitions)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
