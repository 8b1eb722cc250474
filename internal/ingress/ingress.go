// Package ingress is the HTTP boundary: webhook ingestion, the JSON-RPC
// control-plane endpoint, its SSE companion, and health checks.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"webhookbroker/internal/controlplane"
	"webhookbroker/internal/metrics"
	"webhookbroker/internal/pipeline"
	"webhookbroker/internal/ratelimit"
	"webhookbroker/internal/store"
)

// Config controls the HTTP server's own tunables; cmd/brokerd copies the
// Port/timeouts in from config.HTTPConfig, so ingress does not import the
// config package itself.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	ServerName   string
}

// Server is the broker's loopback-bound HTTP listener.
type Server struct {
	cfg     Config
	pipe    *pipeline.Pipeline
	limiter *ratelimit.Limiter
	cp      *controlplane.ControlPlane
	srv     *http.Server
}

func New(cfg Config, pipe *pipeline.Pipeline, limiter *ratelimit.Limiter, cp *controlplane.ControlPlane) *Server {
	s := &Server{cfg: cfg, pipe: pipe, limiter: limiter, cp: cp}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Post("/webhook/{subscription_id}", s.rateLimited(s.handleWebhook))
	r.Post("/mcp", s.rateLimited(s.handleRPC))
	r.Get("/mcp", s.rateLimited(s.handleSSE))

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Run starts the listener and blocks until ctx is canceled, then drains
// in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(ratelimit.ClientIP(r)) {
			writeRateLimited(w, r)
			return
		}
		next(w, r)
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/mcp" && r.Method == http.MethodPost {
		writeJSON(w, http.StatusTooManyRequests, controlplane.Response{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   &controlplane.RPCError{Code: controlplane.CodeRateLimited, Message: "rate limited"},
		})
		return
	}
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"server":    s.cfg.ServerName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	subscriptionID := chi.URLParam(r, "subscription_id")
	if subscriptionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing subscription_id"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := readAll(r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body_too_large"})
		return
	}

	result, err := s.pipe.Process(r.Context(), subscriptionID, r.Header, body)
	if err != nil {
		slog.Error("ingress: pipeline error", "subscription_id", subscriptionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	switch result.Outcome {
	case pipeline.OutcomeAccepted:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case pipeline.OutcomeRejected:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": string(result.Reason)})
	case pipeline.OutcomeNotFound:
		w.WriteHeader(http.StatusNotFound)
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := readAll(r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body_too_large"})
		return
	}

	var req controlplane.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, controlplane.Response{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   &controlplane.RPCError{Code: controlplane.CodeParseError, Message: "invalid JSON"},
		})
		return
	}

	resp := s.cp.Dispatch(req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming_unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	id, ch := s.cp.Register()
	defer s.cp.Unregister(id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(t0)
		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routePattern, fmt.Sprint(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, routePattern).Observe(duration.Seconds())
		slog.Info("http", "method", r.Method, "path", r.URL.Path, "route", routePattern, "status", ww.Status(), "duration", duration)
	})
}
