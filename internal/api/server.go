// Package api exposes the batch service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/export"
)

type batchService interface {
	Submit(ctx context.Context, manifest domain.Manifest) (string, error)
	Status(ctx context.Context, requestID string) (domain.ProcessingRequest, error)
	Export(ctx context.Context, requestID string) ([]byte, bool, error)
	ConfigureWebhook(ctx context.Context, target domain.NotificationTarget) (domain.NotificationTarget, error)
}

type Server struct {
	logger                zerolog.Logger
	batches               batchService
	metrics               *metrics
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type Option func(*Server)

// WithRateLimiter throttles submissions per caller, identified by the value
// of userIDHeader.
func WithRateLimiter(limiter RateLimiter, userIDHeader string) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
		if userIDHeader != "" {
			s.rateLimitUserIDHeader = userIDHeader
		}
	}
}

// WithRegistry serves /metrics from registry instead of a private one, so
// collectors registered elsewhere in the process are exported too.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = newMetrics(registry)
	}
}

func NewServer(logger zerolog.Logger, batches batchService, opts ...Option) (*Server, error) {
	if batches == nil {
		return nil, errors.New("batch service is required")
	}

	s := &Server{
		logger:                logger,
		batches:               batches,
		rateLimitUserIDHeader: "X-User-ID",
		tracer:                otel.Tracer("pixelbatch/api"),
		mux:                   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(NewRegistry())
	}

	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.handle(http.MethodGet, "/healthz", false, http.HandlerFunc(s.handleHealthz))
	s.handle(http.MethodGet, "/metrics", false, s.metrics.handler())
	s.handle(http.MethodPost, "/v1/batches", true, http.HandlerFunc(s.handleSubmit))
	s.handle(http.MethodGet, "/v1/batches/{id}", false, http.HandlerFunc(s.handleStatus))
	s.handle(http.MethodGet, "/v1/batches/{id}/export", false, http.HandlerFunc(s.handleExport))
	s.handle(http.MethodPut, "/v1/webhook", true, http.HandlerFunc(s.handleConfigureWebhook))
}

// handle registers h for method and route. Writes can opt into rate limiting;
// every route is traced and measured.
func (s *Server) handle(method, route string, rateLimited bool, h http.Handler) {
	if rateLimited {
		h = s.limited(route, h)
	}
	h = s.metrics.instrument(route, h)
	h = s.traced(method, route, h)
	s.mux.Handle(method+" "+route, h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var manifest domain.Manifest
	if err := decodeJSON(r, &manifest); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID, err := s.batches.Submit(r.Context(), manifest)
	switch {
	case errors.Is(err, domain.ErrInvalidManifest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("submit batch failed")
		writeError(w, http.StatusInternalServerError, "failed to submit batch")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"status":     string(domain.StatusReceived),
		"status_url": statusURL(requestID),
		"export_url": statusURL(requestID) + "/export",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	req, err := s.batches.Status(r.Context(), requestID)
	if errors.Is(err, domain.ErrRequestNotFound) {
		writeError(w, http.StatusNotFound, "processing request not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("load batch status failed")
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	data, ok, err := s.batches.Export(r.Context(), requestID)
	if errors.Is(err, domain.ErrRequestNotFound) {
		writeError(w, http.StatusNotFound, "processing request not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("load batch export failed")
		writeError(w, http.StatusInternalServerError, "failed to load export")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "export is not ready")
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, requestID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("write export response failed")
	}
}

type webhookRequest struct {
	URL    string   `json:"webhook_url"`
	Events []string `json:"events"`
}

func (s *Server) handleConfigureWebhook(w http.ResponseWriter, r *http.Request) {
	var body webhookRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := s.batches.ConfigureWebhook(r.Context(), domain.NotificationTarget{
		URL:    body.URL,
		Events: body.Events,
	})
	if errors.Is(err, domain.ErrInvalidWebhook) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("configure webhook failed")
		writeError(w, http.StatusInternalServerError, "failed to save webhook")
		return
	}

	writeJSON(w, http.StatusOK, target)
}

func statusURL(requestID string) string {
	return "/v1/batches/" + requestID
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
