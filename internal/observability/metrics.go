package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_http_in_flight",
		Help: "In-flight HTTP requests",
	})

	RuleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Rule evaluations by outcome (matched, unmatched, skipped)",
		}, []string{"outcome"},
	)
	RulesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rules_skipped_total",
		Help: "Rules skipped because of malformed conditions",
	})
	ContextCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_cache_total",
			Help: "Context snapshot cache lookups by result",
		}, []string{"result"},
	)
	Consumption = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capacity_consumption_total",
			Help: "Consumption attempts by decision",
		}, []string{"decision"},
	)
	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capacity_alerts_total",
			Help: "Capacity alerts by threshold and result (sent, throttled, failed)",
		}, []string{"threshold", "result"},
	)
	QueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_queue_dropped_total",
			Help: "Items dropped because an outbound queue was full",
		}, []string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight,
		RuleEvaluations, RulesSkipped, ContextCache,
		Consumption, Alerts, QueueDropped,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
