package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/httputil"
	"github.com/platinummonkey/settle/pkg/jobs"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/saga"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes int64 = 1 << 20

// Orchestrations is satisfied by *saga.Orchestrator.
type Orchestrations interface {
	StartOrGetSaga(ctx context.Context, req saga.Request) (*saga.Result, error)
	Get(ctx context.Context, key saga.Key) (*saga.OrchestrationRecord, error)
}

// JobRunner is satisfied by *jobs.Scheduler.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// Server is the settle REST API.
type Server struct {
	orchestrations Orchestrations
	invoices       billing.Generator
	jobs           JobRunner
	logger         *observability.Logger
	metrics        *observability.Metrics
	maxBodyBytes   int64

	router  *mux.Router
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records per-route HTTP metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithJobs enables the system endpoints that run a job tick on demand.
func WithJobs(jobs JobRunner) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// NewServer creates a new API server
func NewServer(orchestrations Orchestrations, invoices billing.Generator, opts ...Option) *Server {
	s := &Server{
		orchestrations: orchestrations,
		invoices:       invoices,
		logger:         observability.NopLogger(),
		maxBodyBytes:   DefaultMaxBodyBytes,
		router:         mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	s.handler = httputil.Chain(
		httputil.RecoveryMiddleware(s.logger),
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.MaxBytesMiddleware(s.maxBodyBytes),
		httputil.ContentTypeMiddleware,
	)(otelhttp.NewHandler(s.router, "settle.api"))
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "route not found")
	})

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/invoices/generate", s.generateInvoice).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/generate-and-settle", s.generateAndSettle).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{invoice_id}", s.getInvoice).Methods(http.MethodGet)

	v1.HandleFunc("/tenants/{tenant_id}/orchestrations/{idempotency_key}", s.getOrchestration).Methods(http.MethodGet)

	v1.HandleFunc("/system/outbox/publish", s.runJob(jobs.OutboxPublisherJob)).Methods(http.MethodPost)
	v1.HandleFunc("/system/timeouts/scan", s.runJob(jobs.TimeoutWatcherJob)).Methods(http.MethodPost)
}

// Router exposes the underlying router for additional routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
