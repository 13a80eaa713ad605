package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pediclinic/clinic/internal/domain/patientid"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics holds the Prometheus collectors for patient registration.
// It satisfies patientid.Recorder.
type Metrics struct {
	Allocations          *prometheus.CounterVec
	AllocationDuration   *prometheus.HistogramVec
	AllocationRetries    *prometheus.HistogramVec
	Collisions           *prometheus.CounterVec
	MalformedIdentifiers *prometheus.CounterVec
	InsertConflicts      prometheus.Counter
	LockWaitDuration     prometheus.Histogram
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Passing a fresh prometheus.NewRegistry
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Allocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_patient_id_allocations_total",
			Help: "Patient identifier allocations by policy and outcome",
		}, []string{"policy", "outcome"}),
		AllocationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinic_patient_id_allocation_duration_seconds",
			Help:    "Duration of patient identifier allocation including backoff",
			Buckets: latencyBuckets,
		}, []string{"policy"}),
		AllocationRetries: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinic_patient_id_allocation_retries",
			Help:    "Retries consumed per allocation",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		}, []string{"policy"}),
		Collisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_patient_id_collisions_total",
			Help: "Candidates found already taken during the double-check read",
		}, []string{"policy"}),
		MalformedIdentifiers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_patient_id_malformed_total",
			Help: "Stored identifiers whose trailing number could not be parsed",
		}, []string{"policy"}),
		InsertConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "clinic_patient_insert_conflicts_total",
			Help: "Patient inserts rejected by the unique (clinic_id, patient_id) constraint",
		}),
		LockWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinic_allocation_lock_wait_seconds",
			Help:    "Time spent waiting for the per-clinic allocation lock",
			Buckets: latencyBuckets,
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinic_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: latencyBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}
}

func (m *Metrics) AllocationCompleted(policy patientid.Policy, outcome string, retries int, elapsed time.Duration) {
	m.Allocations.WithLabelValues(policy.String(), outcome).Inc()
	m.AllocationDuration.WithLabelValues(policy.String()).Observe(elapsed.Seconds())
	m.AllocationRetries.WithLabelValues(policy.String()).Observe(float64(retries))
}

func (m *Metrics) CollisionDetected(policy patientid.Policy) {
	m.Collisions.WithLabelValues(policy.String()).Inc()
}

func (m *Metrics) MalformedIdentifier(policy patientid.Policy) {
	m.MalformedIdentifiers.WithLabelValues(policy.String()).Inc()
}

// IncrementInsertConflicts records a unique-constraint rejection.
func (m *Metrics) IncrementInsertConflicts() {
	m.InsertConflicts.Inc()
}

// ObserveLockWait records how long acquiring the clinic lock took.
// Call with time.Now() taken before Acquire.
func (m *Metrics) ObserveLockWait(start time.Time) {
	m.LockWaitDuration.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests by matched route so path parameters do not
// explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
