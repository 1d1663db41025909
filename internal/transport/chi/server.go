package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
	healthuc "github.com/kailas-cloud/vecpipe/internal/usecase/health"
)

// ErrorCode is the machine-readable code of an error response.
type ErrorCode string

// Error codes returned in ErrorResponse.Code.
const (
	ErrorCodeBadRequest        ErrorCode = "bad_request"
	ErrorCodeUnauthorized      ErrorCode = "unauthorized"
	ErrorCodeValidationFailed  ErrorCode = "validation_failed"
	ErrorCodeDimensionMismatch ErrorCode = "vector_dim_mismatch"
	ErrorCodeNotFound          ErrorCode = "not_found"
	ErrorCodeIndexNotReady     ErrorCode = "index_not_ready"
	ErrorCodePoolSaturated     ErrorCode = "pool_saturated"
	ErrorCodeQuotaExceeded     ErrorCode = "quota_exceeded"
	ErrorCodeUpstreamError     ErrorCode = "upstream_error"
	ErrorCodeUpstreamTimeout   ErrorCode = "upstream_timeout"
	ErrorCodeInternalError     ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

type errorMapping struct {
	sentinel error
	status   int
	code     ErrorCode
}

// errorMappings is checked in order: a RetryExhaustedError also unwraps to its last attempt's error.
var errorMappings = []errorMapping{
	{domain.ErrQuotaExceeded, http.StatusPaymentRequired, ErrorCodeQuotaExceeded},
	{domain.ErrPoolSaturated, http.StatusTooManyRequests, ErrorCodePoolSaturated},
	{domain.ErrRetryExhausted, http.StatusBadGateway, ErrorCodeUpstreamError},
	{domain.ErrStreamTimeout, http.StatusGatewayTimeout, ErrorCodeUpstreamTimeout},
	{domain.ErrTimeoutExceeded, http.StatusGatewayTimeout, ErrorCodeUpstreamTimeout},
	{domain.ErrEndpoint, http.StatusBadGateway, ErrorCodeUpstreamError},
	{domain.ErrTransientEndpoint, http.StatusBadGateway, ErrorCodeUpstreamError},
	{domain.ErrDimensionMismatch, http.StatusBadRequest, ErrorCodeDimensionMismatch},
	{domain.ErrSchemaInvalid, http.StatusBadRequest, ErrorCodeValidationFailed},
	{domain.ErrInvalidArgument, http.StatusBadRequest, ErrorCodeValidationFailed},
	{domain.ErrIndexNotReady, http.StatusConflict, ErrorCodeIndexNotReady},
	{domain.ErrNotFound, http.StatusNotFound, ErrorCodeNotFound},
}

// errorCodeOf returns the code for err, for errors reported after the response status is sent.
func errorCodeOf(err error) ErrorCode {
	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			return m.code
		}
	}
	return ErrorCodeInternalError
}

// Server serves the vecpipe HTTP API.
type Server struct {
	collection    Collection
	ingest        Ingester
	search        Searcher
	chat          Chatter
	usage         UsageReporter
	health        HealthReporter
	logger        *zap.Logger
	errorHandlers []errorHandler
	streamDefault bool
}

// NewServer creates an HTTP API server.
func NewServer(
	collection Collection,
	ingest Ingester,
	search Searcher,
	chat Chatter,
	usage UsageReporter,
	health HealthReporter,
	logger *zap.Logger,
) *Server {
	s := &Server{
		collection: collection,
		ingest:     ingest,
		search:     search,
		chat:       chat,
		usage:      usage,
		health:     health,
		logger:     logger,
	}
	for _, m := range errorMappings {
		s.errorHandlers = append(s.errorHandlers, sentinelHandler(m.sentinel, m.status, m.code))
	}
	return s
}

// WithStreamDefault sets the response mode of chat requests that do not say.
func (s *Server) WithStreamDefault(stream bool) *Server {
	s.streamDefault = stream
	return s
}

// Routes builds the router with the middleware stack. apiKeys enables bearer auth when non-empty.
func (s *Server) Routes(apiKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(s.logger))
	r.Use(BearerAuthMiddleware(apiKeys))
	r.Use(metrics.Middleware())

	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Put("/schema", s.DefineSchema)
		r.Get("/collection", s.GetCollection)
		r.Post("/index/{field}", s.BuildIndex)
		r.Post("/records", s.InsertRecords)
		r.Post("/documents", s.IngestDocuments)
		r.Post("/search", s.SearchVector)
		r.Post("/query", s.Query)
		r.Post("/chat", s.Chat)
		r.Get("/usage", s.GetUsage)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrorCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrorCodeBadRequest, "method not allowed")
	})
	return r
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, report)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func setUsageHeaders(w http.ResponseWriter, usage *domain.TokenUsage) {
	if n := usage.EmbeddingTokens(); n > 0 {
		w.Header().Set("X-Embedding-Tokens", strconv.FormatInt(n, 10))
	}
	if n := usage.GenerationTokens(); n > 0 {
		w.Header().Set("X-Generation-Tokens", strconv.FormatInt(n, 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a message for the client without exposing internals.
// Validation failures are the caller's own input and are returned in full.
func safeDomainMessage(err error) string {
	var se *schema.Error
	var dme *domain.DimensionMismatchError
	switch {
	case errors.As(err, &se):
		return se.Error()
	case errors.As(err, &dme):
		return dme.Error()
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrNotFound):
		return err.Error()
	}

	sentinels := []error{
		domain.ErrQuotaExceeded,
		domain.ErrPoolSaturated,
		domain.ErrRetryExhausted,
		domain.ErrStreamTimeout,
		domain.ErrTimeoutExceeded,
		domain.ErrEndpoint,
		domain.ErrTransientEndpoint,
		domain.ErrIndexNotReady,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("Domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("Internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error")
}
