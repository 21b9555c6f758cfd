package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docconvert"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Conversion jobs by output format and terminal result",
		},
		[]string{"output", "result"},
	)

	jobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Failed jobs by error kind and the state they failed in",
		},
		[]string{"kind", "state"},
	)

	converterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "converter_duration_seconds",
			Help:      "Duration of converter invocations by backend and result",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend", "result"},
	)

	uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of accepted uploads",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	activeWorkspaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workspaces",
			Help:      "Workspaces currently allocated",
		},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversions_inflight",
			Help:      "Conversions currently holding an admission slot",
		},
	)

	admissionRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Jobs rejected because no conversion slot freed in time",
		},
	)

	sweptWorkspaces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_workspaces_total",
			Help:      "Orphaned workspaces removed by the sweeper",
		},
	)
)

var initOnce sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(jobsTotal, jobFailures, converterLatency, uploadBytes,
			activeWorkspaces, inflight, admissionRejected, sweptWorkspaces)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveJob(output, result string) { jobsTotal.WithLabelValues(output, result).Inc() }

func IncFailure(kind, state string) { jobFailures.WithLabelValues(kind, state).Inc() }

func ObserveConverter(backend string, ok bool, dur time.Duration) {
	converterLatency.WithLabelValues(backend, resultLabel(ok)).Observe(dur.Seconds())
}

func ObserveUpload(n int64) { uploadBytes.Observe(float64(n)) }

func SetActiveWorkspaces(n int) { activeWorkspaces.Set(float64(n)) }

func SetInflight(n int) { inflight.Set(float64(n)) }

func IncAdmissionRejected() { admissionRejected.Inc() }

func AddSwept(n int) { sweptWorkspaces.Add(float64(n)) }

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
