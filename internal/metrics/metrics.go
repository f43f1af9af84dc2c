// Package metrics holds the Prometheus collectors idfront exports.
//
// Collectors exist from package init so recording never needs a nil check;
// Register exposes them on a registry.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	flowStartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idfront_flow_starts_total",
		Help: "Authorization flow starts by provider and result",
	}, []string{"provider", "result"})

	flowReturnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idfront_flow_returns_total",
		Help: "Provider returns by provider and outcome",
	}, []string{"provider", "outcome"})

	registryReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idfront_registry_reloads_total",
		Help: "Provider registry reloads by result",
	}, []string{"result"}) // result: ok|failed

	registryActiveProviders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "idfront_registry_active_providers",
		Help: "Providers retained by the last registry rebuild",
	})

	cookieDecryptFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idfront_cookie_decrypt_failures_total",
		Help: "Identity cookies that failed to decrypt and were treated as absent",
	})

	reconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idfront_reconcile_duration_seconds",
		Help:    "User reconciliation latency by result",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"result"}) // result: ok|no_user|failed

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idfront_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		flowStartsTotal,
		flowReturnsTotal,
		registryReloadsTotal,
		registryActiveProviders,
		cookieDecryptFailuresTotal,
		reconcileDuration,
		httpRequestsTotal,
	}
}

// Register registers every collector on reg, ignoring duplicates
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// UnknownProvider labels flows whose provider name was not resolved by the
// registry, so request input never becomes a label value
const UnknownProvider = "unknown"

// FlowStart counts a flow start
func FlowStart(provider string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	flowStartsTotal.WithLabelValues(provider, result).Inc()
}

// FlowReturn counts a processed provider return
func FlowReturn(provider, outcome string) {
	flowReturnsTotal.WithLabelValues(provider, outcome).Inc()
}

// RegistryReload counts a reload and records how many providers it kept.
// A failed reload leaves the gauge untouched.
func RegistryReload(err error, active int) {
	if err != nil {
		registryReloadsTotal.WithLabelValues("failed").Inc()
		return
	}
	registryReloadsTotal.WithLabelValues("ok").Inc()
	registryActiveProviders.Set(float64(active))
}

// CookieDecryptFailure counts an undecryptable identity cookie
func CookieDecryptFailure() {
	cookieDecryptFailuresTotal.Inc()
}

// ReconcileDone observes the duration of one reconciliation
func ReconcileDone(result string, start time.Time) {
	reconcileDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests under a fixed route label. The route is passed
// in rather than read from the URL so path parameters don't explode the
// label cardinality.
func Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		})
	}
}
