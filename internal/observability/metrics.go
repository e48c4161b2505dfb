package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
)

// Metrics collects Prometheus metrics for the API process.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	invoicesGenerated *prometheus.CounterVec
	paymentsApplied   *prometheus.CounterVec
	paymentsResolved  *prometheus.CounterVec
	paymentsUnapplied *prometheus.CounterVec
	sequenceRetries   prometheus.Counter
}

// NewMetrics initialises the registry and the base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mofresh_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mofresh_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	generated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mofresh_invoices_generated_total",
		Help: "Invoices issued by source type.",
	}, []string{"source"})
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mofresh_payments_applied_total",
		Help: "Payments applied to invoices by method.",
	}, []string{"method"})
	resolved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mofresh_payments_resolved_total",
		Help: "Mobile money payments resolved by provider callbacks.",
	}, []string{"status"})
	unapplied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mofresh_payments_unapplied_total",
		Help: "Collected mobile money payments that could not be credited to their invoice.",
	}, []string{"reason"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mofresh_invoice_sequence_retries_total",
		Help: "Invoice number allocations retried after lock contention.",
	})
	registry.MustRegister(
		requests, duration,
		generated, applied, resolved, unapplied, retries,
	)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		invoicesGenerated: generated,
		paymentsApplied:   applied,
		paymentsResolved:  resolved,
		paymentsUnapplied: unapplied,
		sequenceRetries:   retries,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records a sample for every HTTP request.
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

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

var _ invoicing.Metrics = (*Metrics)(nil)

// InvoiceGenerated implements invoicing.Metrics.
func (m *Metrics) InvoiceGenerated(source invoicing.SourceType) {
	if m == nil {
		return
	}
	m.invoicesGenerated.WithLabelValues(string(source)).Inc()
}

// PaymentApplied implements invoicing.Metrics.
func (m *Metrics) PaymentApplied(method invoicing.PaymentMethod) {
	if m == nil {
		return
	}
	m.paymentsApplied.WithLabelValues(string(method)).Inc()
}

// PaymentResolved implements invoicing.Metrics.
func (m *Metrics) PaymentResolved(status invoicing.PaymentStatus) {
	if m == nil {
		return
	}
	m.paymentsResolved.WithLabelValues(string(status)).Inc()
}

// PaymentUnapplied implements invoicing.Metrics.
func (m *Metrics) PaymentUnapplied(reason string) {
	if m == nil {
		return
	}
	m.paymentsUnapplied.WithLabelValues(reason).Inc()
}

// SequenceRetry implements invoicing.Metrics.
func (m *Metrics) SequenceRetry() {
	if m == nil {
		return
	}
	m.sequenceRetries.Inc()
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
