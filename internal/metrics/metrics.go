package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dustin/Landingstat/internal/storage"
)

const namespace = "landingstat"

// Metrics holds all Prometheus metrics for Landingstat.
type Metrics struct {
	// HTTP server metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Collection metrics
	SignalsTotal        *prometheus.CounterVec
	EventsRecordedTotal *prometheus.CounterVec
	StorageErrorsTotal  *prometheus.CounterVec
	EvictionsTotal      *prometheus.CounterVec
	ActiveSessions      prometheus.GaugeFunc
	ReapedSessionsTotal prometheus.Counter
	ExportsTotal        *prometheus.CounterVec

	// SSE metrics
	SSESubscribersGauge prometheus.GaugeFunc

	// Database metrics
	DBSizeBytes  prometheus.GaugeFunc
	DBVisitors   prometheus.GaugeFunc
	DBEvents     prometheus.GaugeFunc
	DBSessions   prometheus.GaugeFunc
	DBSubscriber prometheus.GaugeFunc

	// Geo cache metrics
	GeoCacheSize    prometheus.GaugeFunc
	GeoCacheHits    prometheus.GaugeFunc
	GeoCacheMisses  prometheus.GaugeFunc
	GeoCacheHitRate prometheus.GaugeFunc
}

// DBStats are the record counts per collection.
type DBStats struct {
	Visitors    int64
	Events      int64
	Sessions    int64
	Subscribers int64
}

// GeoCacheStats mirrors the geo cache counters.
type GeoCacheStats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Sources supplies the values behind the gauge funcs. Nil funcs read as 0.
type Sources struct {
	SSEClients     func() int
	ActiveSessions func() int
	DBSize         func() int64
	DBStats        func() DBStats
	GeoCache       func() *GeoCacheStats
}

// cachedDBStats caches DBStats for all gauge funcs of one scrape, since
// each GaugeFunc is called individually and every call reads all collections.
type cachedDBStats struct {
	mu          sync.RWMutex
	getStats    func() DBStats
	cachedStats DBStats
	cachedAt    int64 // Unix nanoseconds
}

func newCachedDBStats(getStats func() DBStats) *cachedDBStats {
	if getStats == nil {
		getStats = func() DBStats { return DBStats{} }
	}
	return &cachedDBStats{getStats: getStats}
}

func (c *cachedDBStats) get() DBStats {
	now := time.Now().UnixNano()

	c.mu.RLock()
	if c.cachedAt != 0 && now-c.cachedAt <= int64(time.Second) {
		stats := c.cachedStats
		c.mu.RUnlock()
		return stats
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedAt == 0 || now-c.cachedAt > int64(time.Second) {
		c.cachedStats = c.getStats()
		c.cachedAt = now
	}
	return c.cachedStats
}

func intFunc(f func() int) func() float64 {
	return func() float64 {
		if f == nil {
			return 0
		}
		return float64(f())
	}
}

func geoFunc(f func() *GeoCacheStats, pick func(GeoCacheStats) float64) func() float64 {
	return func() float64 {
		if f == nil {
			return 0
		}
		s := f()
		if s == nil {
			return 0
		}
		return pick(*s)
	}
}

func gaugeFunc(subsystem, name, help string, f func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, f)
}

// New creates all Prometheus metrics. DBStats is called at most once a
// second.
func New(src Sources) *Metrics {
	cache := newCachedDBStats(src.DBStats)

	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "signals_total",
				Help:      "Page signals received, by type and outcome",
			},
			[]string{"type", "result"},
		),
		EventsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "events_total",
				Help:      "Events recorded, by event type",
			},
			[]string{"type"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "storage_errors_total",
				Help:      "Failed writes absorbed by the recorder, by collection",
			},
			[]string{"collection"},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "evictions_total",
				Help:      "Records dropped by the retention cap, by collection",
			},
			[]string{"collection"},
		),
		ActiveSessions: gaugeFunc("collector", "active_sessions",
			"Page loads currently being tracked", intFunc(src.ActiveSessions)),
		ReapedSessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "reaped_sessions_total",
				Help:      "Page loads dropped after going idle without an unload",
			},
		),
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "export",
				Name:      "runs_total",
				Help:      "Scheduled export runs, by result",
			},
			[]string{"result"},
		),
		SSESubscribersGauge: gaugeFunc("sse", "subscribers",
			"Current number of SSE subscribers", intFunc(src.SSEClients)),
		DBSizeBytes: gaugeFunc("db", "size_bytes", "Size of the SQLite database in bytes",
			func() float64 {
				if src.DBSize == nil {
					return 0
				}
				return float64(src.DBSize())
			}),
		DBVisitors: gaugeFunc("db", "visitors", "Stored visitor records",
			func() float64 { return float64(cache.get().Visitors) }),
		DBEvents: gaugeFunc("db", "events", "Stored events",
			func() float64 { return float64(cache.get().Events) }),
		DBSessions: gaugeFunc("db", "sessions", "Stored session records",
			func() float64 { return float64(cache.get().Sessions) }),
		DBSubscriber: gaugeFunc("db", "subscribers", "Stored subscribers",
			func() float64 { return float64(cache.get().Subscribers) }),
		GeoCacheSize: gaugeFunc("geo_cache", "size", "Entries in the geo lookup cache",
			geoFunc(src.GeoCache, func(s GeoCacheStats) float64 { return float64(s.Size) })),
		GeoCacheHits: gaugeFunc("geo_cache", "hits", "Geo cache hits",
			geoFunc(src.GeoCache, func(s GeoCacheStats) float64 { return float64(s.Hits) })),
		GeoCacheMisses: gaugeFunc("geo_cache", "misses", "Geo cache misses",
			geoFunc(src.GeoCache, func(s GeoCacheStats) float64 { return float64(s.Misses) })),
		GeoCacheHitRate: gaugeFunc("geo_cache", "hit_rate", "Geo cache hit rate (0 to 1)",
			geoFunc(src.GeoCache, func(s GeoCacheStats) float64 { return s.HitRate })),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SignalsTotal,
		m.EventsRecordedTotal,
		m.StorageErrorsTotal,
		m.EvictionsTotal,
		m.ActiveSessions,
		m.ReapedSessionsTotal,
		m.ExportsTotal,
		m.SSESubscribersGauge,
		m.DBSizeBytes,
		m.DBVisitors,
		m.DBEvents,
		m.DBSessions,
		m.DBSubscriber,
		m.GeoCacheSize,
		m.GeoCacheHits,
		m.GeoCacheMisses,
		m.GeoCacheHitRate,
	}
}

// Register registers all metrics with the default Prometheus registry.
func (m *Metrics) Register() error {
	return m.RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with reg.
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordSignal counts a dispatched signal; result is "ok" or an error class.
func (m *Metrics) RecordSignal(signalType, result string) {
	m.SignalsTotal.WithLabelValues(signalType, result).Inc()
}

// EventRecorded implements recorder.Observer.
func (m *Metrics) EventRecorded(eventType string) {
	m.EventsRecordedTotal.WithLabelValues(eventType).Inc()
}

// StorageFailed implements recorder.Observer.
func (m *Metrics) StorageFailed(c storage.Collection) {
	m.StorageErrorsTotal.WithLabelValues(string(c)).Inc()
}

// Evicted matches storage.Options.OnEvict.
func (m *Metrics) Evicted(c storage.Collection, n int) {
	m.EvictionsTotal.WithLabelValues(string(c)).Add(float64(n))
}

// RecordReaped counts idle page loads dropped by the reaper.
func (m *Metrics) RecordReaped(n int) {
	m.ReapedSessionsTotal.Add(float64(n))
}

// RecordExport counts a scheduled export run.
func (m *Metrics) RecordExport(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ExportsTotal.WithLabelValues(result).Inc()
}
