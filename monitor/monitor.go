package monitor

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ConnectedViewers prometheus.Gauge
	ActiveRooms      prometheus.Gauge
	ActionsTotal     *prometheus.CounterVec
	ActionLatency    prometheus.Histogram
	DroppedSends     prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		ConnectedViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_viewers",
			Help:      "Number of live websocket connections",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of live rooms",
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "combat_actions_total",
			Help:      "Combat actions processed, by action name",
		}, []string{"action"}),
		ActionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_latency_seconds",
			Help:      "Action processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		DroppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Broadcast sends dropped because the connection failed",
		}),
	}

	prometheus.MustRegister(
		m.ConnectedViewers,
		m.ActiveRooms,
		m.ActionsTotal,
		m.ActionLatency,
		m.DroppedSends,
	)

	return m
}

type Monitor struct {
	metrics     *Metrics
	startTime   time.Time
	actionCount int64
	mutex       sync.Mutex
}

func NewMonitor(namespace string) *Monitor {
	return &Monitor{
		metrics:   NewMetrics(namespace),
		startTime: time.Now(),
	}
}

func (m *Monitor) StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	expvar.Publish("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))
	expvar.Publish("actions", expvar.Func(func() interface{} {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return m.actionCount
	}))
	mux.Handle("/debug/vars", expvar.Handler())

	go http.ListenAndServe(addr, mux)
}

func (m *Monitor) IncConnectedViewers() {
	m.metrics.ConnectedViewers.Inc()
}

func (m *Monitor) DecConnectedViewers() {
	m.metrics.ConnectedViewers.Dec()
}

func (m *Monitor) IncActiveRooms() {
	m.metrics.ActiveRooms.Inc()
}

func (m *Monitor) DecActiveRooms() {
	m.metrics.ActiveRooms.Dec()
}

func (m *Monitor) IncAction(action string) {
	m.metrics.ActionsTotal.WithLabelValues(action).Inc()
	m.mutex.Lock()
	m.actionCount++
	m.mutex.Unlock()
}

func (m *Monitor) ObserveActionLatency(duration time.Duration) {
	m.metrics.ActionLatency.Observe(duration.Seconds())
}

// IncDroppedSends satisfies the broadcaster's drop counter.
func (m *Monitor) IncDroppedSends() {
	m.metrics.DroppedSends.Inc()
}
