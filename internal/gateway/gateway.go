// Package gateway implements the Ingest Gateway, Streaming Gateway, and
// Auth boundary (spec §4.6-§4.8, §6.1) as a plain net/http.ServeMux
// server: no web framework, the same choice the teacher makes for every
// HTTP surface it exposes (internal/server/stream/sender wraps the
// stdlib directly rather than pulling in a router library).
package gateway

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/epicrunze/evocable/internal/auth"
	"github.com/epicrunze/evocable/internal/blob"
	"github.com/epicrunze/evocable/internal/config"
	"github.com/epicrunze/evocable/internal/observability"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/signedurl"
	"github.com/epicrunze/evocable/internal/store"
)

// Pinger is satisfied by any collaborator the /health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds every collaborator the HTTP handlers need and exposes them
// as a single *http.ServeMux (spec §6.1's table, one route per row).
type Server struct {
	Auth    *auth.Checker
	Books   store.Store
	Blobs   blob.Store
	Broker  queue.Broker
	Signer  *signedurl.Signer
	Config  *config.Config
	Logger  *observability.CoreLogger

	metrics  *serverMetrics
	gatherer prometheus.Gatherer
}

type serverMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evocable_gateway_requests_total",
			Help: "HTTP requests served by the gateway, by route and status class.",
		}, []string{"route", "status_class"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evocable_gateway_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// NewServer returns a Server, ready to have Routes called on it, whose
// metrics are registered on reg (a new registry when reg is nil).
// MetricsHandler serves them when reg is also a prometheus.Gatherer, as a
// *prometheus.Registry is; otherwise it serves no metrics.
func NewServer(authChecker *auth.Checker, books store.Store, blobs blob.Store, broker queue.Broker, signer *signedurl.Signer, cfg *config.Config, logger *observability.CoreLogger, reg prometheus.Registerer) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.Gatherers{}
	}
	return &Server{
		Auth:     authChecker,
		Books:    books,
		Blobs:    blobs,
		Broker:   broker,
		Signer:   signer,
		Config:   cfg,
		Logger:   logger,
		metrics:  newServerMetrics(reg),
		gatherer: gatherer,
	}
}

// Routes registers every spec §6.1 endpoint on mux, under base path
// /api/v1 except /health, each wrapped for tracing and metrics.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.Handle("GET /health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("POST /api/v1/books", s.instrument("submit_book", http.HandlerFunc(s.handleSubmitBook)))
	mux.Handle("GET /api/v1/books", s.instrument("list_books", http.HandlerFunc(s.handleListBooks)))
	mux.Handle("GET /api/v1/books/{id}/status", s.instrument("get_status", http.HandlerFunc(s.handleGetStatus)))
	mux.Handle("GET /api/v1/books/{id}/chunks", s.instrument("get_manifest", http.HandlerFunc(s.handleGetManifest)))
	mux.Handle("GET /api/v1/books/{id}/chunks/{seq}", s.instrument("stream_chunk", http.HandlerFunc(s.handleStreamChunk)))
	mux.Handle("POST /api/v1/books/{id}/chunks/{seq}/signed-url", s.instrument("issue_signed_url", http.HandlerFunc(s.handleIssueSignedURL)))
	mux.Handle("POST /api/v1/books/{id}/chunks/batch-signed-urls", s.instrument("issue_batch_signed_urls", http.HandlerFunc(s.handleIssueBatchSignedURLs)))
	mux.Handle("DELETE /api/v1/books/{id}", s.instrument("delete_book", http.HandlerFunc(s.handleDeleteBook)))
}

// MetricsHandler exposes the registry Routes' instrumentation writes to,
// meant to be mounted on the admin listener (config.Config.AdminAddr),
// separate from the public surface.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// instrument wraps h with otelhttp tracing and per-route Prometheus
// counters/histograms, named route for both.
func (s *Server) instrument(route string, h http.Handler) http.Handler {
	traced := otelhttp.NewHandler(h, route)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues(route))
		traced.ServeHTTP(rec, r)
		timer.ObserveDuration()
		s.metrics.requests.WithLabelValues(route, statusClass(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
