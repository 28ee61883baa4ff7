package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "overwatch"

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	updatesApplied   *prometheus.CounterVec
	updatesDropped   *prometheus.CounterVec
	storageRejected  prometheus.Counter
	storageChanges   prometheus.Counter
	entities         *prometheus.GaugeVec
	connectionState  *prometheus.GaugeVec
	reconnects       prometheus.Counter
	resyncDuration   prometheus.Histogram
	pollErrors       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	backendDuration  *prometheus.HistogramVec
	backendErrors    *prometheus.CounterVec
	cacheFlushErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		updatesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Entity updates applied to the store by source and kind.",
		}, []string{"source", "kind"}),
		updatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dropped_total",
			Help:      "Inbound updates dropped by source and reason.",
		}, []string{"source", "reason"}),
		storageRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_writes_rejected_total",
			Help:      "Shelf storage writes rejected for lack of a confirmed admin grant.",
		}),
		storageChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_changes_total",
			Help:      "Confirmed admin shelf storage changes.",
		}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities currently held in the store by kind.",
		}, []string{"kind"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Push channel state; the current state is 1, all others 0.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Push channel reconnect attempts.",
		}),
		resyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resync_duration_seconds",
			Help:      "Duration of full-state resync after connect.",
			Buckets:   prometheus.DefBuckets,
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed poll cycles by worker.",
		}, []string{"worker"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend REST call durations by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Failed backend REST calls by operation.",
		}, []string{"op"}),
		cacheFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_flush_errors_total",
			Help:      "Failed local view cache flushes.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.updatesApplied,
		m.updatesDropped,
		m.storageRejected,
		m.storageChanges,
		m.entities,
		m.connectionState,
		m.reconnects,
		m.resyncDuration,
		m.pollErrors,
		m.httpRequests,
		m.httpDuration,
		m.backendDuration,
		m.backendErrors,
		m.cacheFlushErrors,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Applied(source, kind string) {
	if m == nil {
		return
	}
	m.updatesApplied.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) Dropped(source, reason string) {
	if m == nil {
		return
	}
	m.updatesDropped.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) StorageRejected() {
	if m == nil {
		return
	}
	m.storageRejected.Inc()
}

func (m *Metrics) StorageChanged() {
	if m == nil {
		return
	}
	m.storageChanges.Inc()
}

func (m *Metrics) SetEntities(kind string, n int) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues(kind).Set(float64(n))
}

// SetConnectionState marks state as the only active one among all.
func (m *Metrics) SetConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ObserveResync(d time.Duration) {
	if m == nil {
		return
	}
	m.resyncDuration.Observe(d.Seconds())
}

func (m *Metrics) PollError(worker string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(worker).Inc()
}

func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObserveBackend(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) CacheFlushError() {
	if m == nil {
		return
	}
	m.cacheFlushErrors.Inc()
}
