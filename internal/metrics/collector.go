package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/database"
	"github.com/rickgao/chatlink/internal/session"
)

const namespace = "chatlink"

// SnapshotFunc returns the current session statistics.
type SnapshotFunc func() session.Snapshot

// PoolStatsFunc returns database pool statistics. Nil when no database is used.
type PoolStatsFunc func() database.PoolStats

// Collector reads a session snapshot on every scrape.
type Collector struct {
	snapshot SnapshotFunc
	pool     PoolStatsFunc

	connState      *prometheus.Desc
	connFailures   *prometheus.Desc
	connExhausted  *prometheus.Desc
	eventsReceived *prometheus.Desc
	eventsRouted   *prometheus.Desc
	protocolErrors *prometheus.Desc
	unknownEvents  *prometheus.Desc
	handlerPanics  *prometheus.Desc
	queueDepth     *prometheus.Desc
	queueHighWater *prometheus.Desc
	presenceJoins  *prometheus.Desc
	pings          *prometheus.Desc
	activeUpdates  *prometheus.Desc
	typingSignals  *prometheus.Desc
	typingFailures *prometheus.Desc
	streams        *prometheus.Desc
	poolConns      *prometheus.Desc
	poolMaxConns   *prometheus.Desc
}

// NewCollector creates a collector. pool may be nil.
func NewCollector(snapshot SnapshotFunc, pool PoolStatsFunc) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &Collector{
		snapshot: snapshot,
		pool:     pool,

		connState:     desc("connection", "state", "Current connection state (1 for the active state).", "state"),
		connFailures:  desc("connection", "consecutive_failures", "Consecutive failed connect attempts."),
		connExhausted: desc("connection", "retries_exhausted", "1 when automatic reconnects stopped."),

		eventsReceived: desc("router", "events_received_total", "Inbound events received."),
		eventsRouted:   desc("router", "events_routed_total", "Inbound events delivered to handlers."),
		protocolErrors: desc("router", "protocol_errors_total", "Events dropped as malformed."),
		unknownEvents:  desc("router", "unknown_events_total", "Events with no registered handler."),
		handlerPanics:  desc("router", "handler_panics_total", "Handler panics recovered."),
		queueDepth:     desc("router", "queue_depth", "Events waiting in the inbound queue."),
		queueHighWater: desc("router", "queue_high_water", "Largest inbound queue depth seen."),

		presenceJoins: desc("presence", "room_changes_total", "Room joins and leaves.", "op"),
		pings:         desc("presence", "pings_total", "Heartbeat pings by result.", "result"),
		activeUpdates: desc("presence", "active_user_updates_total", "Active user lists applied."),

		typingSignals:  desc("typing", "signals_total", "Typing signals by outcome.", "outcome"),
		typingFailures: desc("typing", "send_failures_total", "Typing signals the hub rejected."),

		streams: desc("stream", "messages", "Tracked streamed messages by state.", "state"),

		poolConns:    desc("db", "pool_connections", "Database pool connections by state.", "state"),
		poolMaxConns: desc("db", "pool_max_connections", "Configured database pool size."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connState, c.connFailures, c.connExhausted,
		c.eventsReceived, c.eventsRouted, c.protocolErrors, c.unknownEvents, c.handlerPanics,
		c.queueDepth, c.queueHighWater,
		c.presenceJoins, c.pings, c.activeUpdates,
		c.typingSignals, c.typingFailures,
		c.streams,
		c.poolConns, c.poolMaxConns,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	for _, s := range []connection.State{
		connection.StateDisconnected,
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateReconnecting,
	} {
		gauge(c.connState, boolValue(snap.Connection.State == s), s.String())
	}
	gauge(c.connFailures, float64(snap.Connection.ConsecutiveFailures))
	gauge(c.connExhausted, boolValue(snap.Connection.Exhausted))

	r := snap.Router
	counter(c.eventsReceived, float64(r.EventsReceived))
	counter(c.eventsRouted, float64(r.EventsRouted))
	counter(c.protocolErrors, float64(r.ProtocolErrors))
	counter(c.unknownEvents, float64(r.UnknownEvents))
	counter(c.handlerPanics, float64(r.HandlerPanics))
	gauge(c.queueDepth, float64(r.Queue.Depth))
	gauge(c.queueHighWater, float64(r.Queue.HighWater))

	p := snap.Presence
	counter(c.presenceJoins, float64(p.Joins), "join")
	counter(c.presenceJoins, float64(p.Leaves), "leave")
	counter(c.pings, float64(p.PingsSent), "sent")
	counter(c.pings, float64(p.PingsSkipped), "skipped")
	counter(c.pings, float64(p.PingFailures), "failed")
	counter(c.activeUpdates, float64(p.ActiveUpdates))

	ty := snap.Typing
	counter(c.typingSignals, float64(ty.OnSent), "on")
	counter(c.typingSignals, float64(ty.OffSent), "off")
	counter(c.typingSignals, float64(ty.Suppressed), "suppressed")
	counter(c.typingFailures, float64(ty.SendFailures))

	st := snap.Streams
	gauge(c.streams, float64(st.Active), "active")
	gauge(c.streams, float64(st.Completed), "completed")
	gauge(c.streams, float64(st.Errored), "errored")

	if c.pool == nil {
		return
	}
	ps := c.pool()
	gauge(c.poolConns, float64(ps.TotalConns), "total")
	gauge(c.poolConns, float64(ps.IdleConns), "idle")
	gauge(c.poolConns, float64(ps.AcquiredConns), "acquired")
	gauge(c.poolMaxConns, float64(ps.MaxConns))
}

// NewRegistry returns a registry holding c and the Go runtime collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
