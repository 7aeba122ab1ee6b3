package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	rooms            prometheus.Gauge
	clients          prometheus.Gauge
	events           prometheus.Counter
	deliveryFailures prometheus.Counter
	flushFailures    prometheus.Counter
	teardowns        *prometheus.CounterVec
	pingLatency      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "rooms_active",
			Help:      "Rooms currently held by the registry.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "clients_connected",
			Help:      "Connected client sessions.",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_relayed_total",
			Help:      "Events accepted for fan-out and recording.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "delivery_failures_total",
			Help:      "Per-member sends that failed during fan-out.",
		}),
		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ghost_flush_failures_total",
			Help:      "Ghost recordings that could not be written at teardown.",
		}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "room_teardowns_total",
			Help:      "Room teardowns by reason.",
		}, []string{"reason"}),
		pingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "ping_latency_ms",
			Help:      "Round-trip samples reported by client pings.",
			Buckets:   []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rooms, m.clients, m.events, m.deliveryFailures, m.flushFailures, m.teardowns, m.pingLatency)
	}
	return m
}

func (m *Metrics) setRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *Metrics) eventRelayed() {
	if m != nil {
		m.events.Inc()
	}
}

func (m *Metrics) deliveryFailed() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) flushFailed() {
	if m != nil {
		m.flushFailures.Inc()
	}
}

func (m *Metrics) roomTornDown(reason Reason) {
	if m != nil {
		m.teardowns.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) pingObserved(ms int64) {
	if m != nil {
		m.pingLatency.Observe(float64(ms))
	}
}

// RunMetrics logs registry stats every interval until ctx is canceled.
// Quiet intervals with no rooms and no traffic are skipped.
func RunMetrics(ctx context.Context, reg *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := reg.Stats()
			if st.Rooms > 0 || st.Events > 0 {
				slog.Info("relay stats",
					"rooms", st.Rooms,
					"clients", st.Clients,
					"events", st.Events,
					"bytes", st.Bytes,
					"kbps", float64(st.Bytes)/interval.Seconds()/1024,
				)
			}
		}
	}
}
