package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trungdn/courier/internal/core/config"
)

// maxBodySize bounds inbound webhook bodies.
const maxBodySize = 1 << 20

// Limiter throttles inbound requests per source.
type Limiter interface {
	Allow(ctx context.Context, source string, limit int) (bool, error)
}

// Server is the inbound webhook HTTP endpoint.
type Server struct {
	logger     *slog.Logger
	cfg        config.WebhookConfig
	reconciler *Reconciler
	limiter    Limiter
	server     *http.Server
	now        func() time.Time
}

// NewServer wires the webhook routes. A nil limiter disables rate limiting.
func NewServer(logger *slog.Logger, cfg config.WebhookConfig, reconciler *Reconciler, limiter Limiter) *Server {
	s := &Server{
		logger:     logger.With("component", "webhook-server"),
		cfg:        cfg,
		reconciler: reconciler,
		limiter:    limiter,
		now:        time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/webhook/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("webhook server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Rate limit first: it is independent of authenticity and protects the
	// verification work itself.
	if s.limiter != nil && s.cfg.RateLimitPerMinute > 0 {
		ok, err := s.limiter.Allow(r.Context(), sourceOf(r), s.cfg.RateLimitPerMinute)
		if err != nil {
			s.logger.Warn("rate limit check failed, allowing request", "error", err)
		} else if !ok {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if s.cfg.Secret != "" {
		err := VerifySignature(
			s.cfg.Secret,
			body,
			r.Header.Get(HeaderSignature),
			r.Header.Get(HeaderTimestamp),
			s.now(),
		)
		if err != nil {
			s.logger.Warn("signature verification failed", "source", sourceOf(r), "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature verification failed"})
			return
		}
	}

	outcome, err := s.reconciler.Ingest(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownEvent):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			s.logger.Error("ingest failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": string(outcome)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// sourceOf identifies the caller for rate limiting: the remote IP, without
// the ephemeral port.
func sourceOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
