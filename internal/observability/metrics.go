package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	postings        *prometheus.CounterVec
	postingDuration *prometheus.HistogramVec
	cycleSteps      *prometheus.CounterVec
	reconDifference *prometheus.GaugeVec
	lockConflicts   *prometheus.CounterVec
	jobs            *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_postings_total",
		Help: "Jumlah posting jurnal berdasarkan tipe event dan hasil.",
	}, []string{"event", "outcome"})
	postingDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_ledger_posting_duration_seconds",
		Help:    "Durasi transaksi posting per tipe event.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event"})
	cycleSteps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_cycle_steps_total",
		Help: "Jumlah langkah open/close siklus harian berdasarkan hasil.",
	}, []string{"step", "outcome"})
	reconDifference := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_ledger_reconciliation_difference",
		Help: "Selisih terakhir antara nilai persediaan dan saldo GL.",
	}, []string{"material"})
	lockConflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_lock_conflicts_total",
		Help: "Jumlah konflik lock baris per operasi.",
	}, []string{"operation"})
	registry.MustRegister(requests, duration, postings, postingDuration, cycleSteps, reconDifference, lockConflicts)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		postings:        postings,
		postingDuration: postingDuration,
		cycleSteps:      cycleSteps,
		reconDifference: reconDifference,
		lockConflicts:   lockConflicts,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// ObservePosting mencatat hasil dan durasi satu posting.
func (m *Metrics) ObservePosting(event, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(event, outcome).Inc()
	m.postingDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

// ObserveCycleStep mencatat hasil open/close siklus.
func (m *Metrics) ObserveCycleStep(step string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.cycleSteps.WithLabelValues(step, outcome).Inc()
}

// SetReconciliationDifference menyimpan selisih rekonsiliasi terakhir.
func (m *Metrics) SetReconciliationDifference(difference float64, material bool) {
	if m == nil {
		return
	}
	m.reconDifference.Reset()
	m.reconDifference.WithLabelValues(strconv.FormatBool(material)).Set(difference)
}

// IncLockConflict menghitung konflik lock untuk operasi tertentu.
func (m *Metrics) IncLockConflict(operation string) {
	if m == nil {
		return
	}
	m.lockConflicts.WithLabelValues(operation).Inc()
}

// Jobs mengembalikan metrik job latar belakang yang terdaftar di registry yang sama.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
