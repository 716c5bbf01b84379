package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runTotal       *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runConflicts   *prometheus.CounterVec
	processExits   *prometheus.CounterVec
	streamChunks   *prometheus.CounterVec
	fallbackLines  *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	handlerPanics  *prometheus.CounterVec
	storeAppend    *prometheus.HistogramVec
	storeLoad      *prometheus.HistogramVec
	runnersActive  prometheus.Gauge
	runnersTotal   prometheus.Gauge
	feedSubscribed prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "troupe_agent_run_total",
					Help: "Total agent runs by agent and status.",
				},
				[]string{"agent", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "troupe_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by agent.",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
				},
				[]string{"agent"},
			),
			runConflicts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "troupe_agent_run_conflicts_total",
					Help: "Runs rejected because the agent was already running.",
				},
				[]string{"agent"},
			),
			processExits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "troupe_process_exit_total",
					Help: "Agent process invocations by agent and exit code (start_error, io_error for failures before exit).",
				},
				[]string{"agent", "code"},
			),
			streamChunks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "troupe_stream_chunks_total",
					Help: "Streaming chunks published by agent.",
				},
				[]string{"agent"},
			),
			fallbackLines: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "troupe_stream_fallback_lines_total",
					Help: "Output lines without a recognized text delta that were streamed verbatim.",
				},
				[]string{"agent"},
			),
			eventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "troupe_events_published_total",
					Help: "Events published on the dispatcher by kind.",
				},
				[]string{"kind"},
			),
			handlerPanics: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "troupe_event_handler_panics_total",
					Help: "Event handlers that panicked during delivery, by kind.",
				},
				[]string{"kind"},
			),
			storeAppend: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "troupe_store_append_duration_seconds",
					Help:    "Turn append duration in seconds by store backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			storeLoad: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "troupe_store_load_duration_seconds",
					Help:    "History load duration in seconds by store backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			runnersActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "troupe_runners_active",
					Help: "Runners currently executing a turn.",
				},
			),
			runnersTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "troupe_runners_registered",
					Help: "Runners registered in the directory.",
				},
			),
			feedSubscribed: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "troupe_feed_clients",
					Help: "Connected event feed clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.runConflicts,
			m.processExits,
			m.streamChunks,
			m.fallbackLines,
			m.eventsTotal,
			m.handlerPanics,
			m.storeAppend,
			m.storeLoad,
			m.runnersActive,
			m.runnersTotal,
			m.feedSubscribed,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordAgentRun(agent string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.runTotal.WithLabelValues(agent, status).Inc()
	m.runDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordRunConflict(agent string) {
	m := getMetrics()
	m.runConflicts.WithLabelValues(agent).Inc()
	m.runTotal.WithLabelValues(agent, "conflict").Inc()
}

func AddActiveRunner(delta int) {
	getMetrics().runnersActive.Add(float64(delta))
}

func SetRegisteredRunners(count int) {
	getMetrics().runnersTotal.Set(float64(count))
}

func RecordProcessExit(agent string, code int) {
	getMetrics().processExits.WithLabelValues(agent, strconv.Itoa(code)).Inc()
}

// RecordProcessFailure counts invocations that never produced an exit code.
func RecordProcessFailure(agent, reason string) {
	getMetrics().processExits.WithLabelValues(agent, reason).Inc()
}

func RecordStreamChunk(agent string, fallback bool) {
	m := getMetrics()
	m.streamChunks.WithLabelValues(agent).Inc()
	if fallback {
		m.fallbackLines.WithLabelValues(agent).Inc()
	}
}

func RecordEventPublished(kind string) {
	getMetrics().eventsTotal.WithLabelValues(kind).Inc()
}

func RecordHandlerPanic(kind string) {
	getMetrics().handlerPanics.WithLabelValues(kind).Inc()
}

func RecordStoreAppend(backend string, duration time.Duration) {
	getMetrics().storeAppend.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordStoreLoad(backend string, duration time.Duration) {
	getMetrics().storeLoad.WithLabelValues(backend).Observe(duration.Seconds())
}

func AddFeedClient(delta int) {
	getMetrics().feedSubscribed.Add(float64(delta))
}
