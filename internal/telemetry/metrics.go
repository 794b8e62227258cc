package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rumormill"

// Metrics is the process's set of collectors. Each instance owns its own
// registry, so independent instances never collide.
type Metrics struct {
	Registry *prometheus.Registry

	InsertedRumors  *prometheus.CounterVec
	IgnoredRumors   *prometheus.CounterVec
	SentRumors      *prometheus.CounterVec
	DroppedMessages *prometheus.CounterVec
	GossipRounds    prometheus.Counter
	PurgedMembers   prometheus.Counter
	ElectionsDone   *prometheus.CounterVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        *prometheus.GaugeVec

	buildInfo *prometheus.GaugeVec
	startTime time.Time
}

func New() *Metrics {
	m := &Metrics{
		Registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		InsertedRumors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inserted_rumors_total",
				Help:      "Rumors that changed a store, by kind.",
			},
			[]string{"rumor"},
		),
		IgnoredRumors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ignored_rumors_total",
				Help:      "Rumors that were already known and changed nothing, by kind.",
			},
			[]string{"rumor"},
		),
		SentRumors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sent_rumors_total",
				Help:      "Rumors pushed to peers, by kind.",
			},
			[]string{"rumor"},
		),
		DroppedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_messages_total",
				Help:      "Inbound messages dropped, by reason.",
			},
			[]string{"reason"},
		),
		GossipRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_rounds_total",
			Help:      "Completed outbound gossip rounds.",
		}),
		PurgedMembers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_members_total",
			Help:      "Members purged from rumor heat after departing.",
		}),
		ElectionsDone: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "elections_finished_total",
				Help:      "Elections this member finished as the winning candidate.",
			},
			[]string{"service_group"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"op", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Latency of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"op"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build info (constant 1, labeled by version and git_sha).",
			},
			[]string{"version", "git_sha"},
		),
	}

	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	m.Registry.MustRegister(
		m.InsertedRumors, m.IgnoredRumors, m.SentRumors, m.DroppedMessages,
		m.GossipRounds, m.PurgedMembers, m.ElectionsDone,
		m.RequestsTotal, m.RequestDuration, m.InFlight, m.buildInfo, uptime,
		collectors.NewGoCollector(),
	)
	return m
}

// RumorInserted and RumorIgnored make Metrics a rumor.Recorder.
func (m *Metrics) RumorInserted(kind string) { m.InsertedRumors.WithLabelValues(kind).Inc() }
func (m *Metrics) RumorIgnored(kind string)  { m.IgnoredRumors.WithLabelValues(kind).Inc() }

// Handler exposes /metrics. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func (m *Metrics) SetBuildInfo(version, gitSHA string) {
	m.buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/info", m.Instrument("info", http.HandlerFunc(n.Info)))
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		m.InFlight.WithLabelValues(op).Inc()
		defer m.InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.RequestsTotal.WithLabelValues(op, class).Inc()
		m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
