// Package api exposes the HTTP status interface for the downloader.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/downloader"
	"github.com/JakeFAU/crawl-downloader/internal/metrics"
	"github.com/JakeFAU/crawl-downloader/internal/middleware/stats"
)

// Downloader is the read-only view of the downloader the server reports on.
type Downloader interface {
	ActiveCount() int
	NeedsBackout() bool
	Slots() []downloader.SlotSnapshot
}

// StatsSource reports middleware counters.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// SeenCounter reports how many fingerprints the dupe filter holds.
type SeenCounter interface {
	Len() int
}

// ChainInfo lists the enabled download middlewares.
type ChainInfo interface {
	Names() []string
}

// SignalCounter reports how many signals were accepted for delivery.
type SignalCounter interface {
	Emitted() int64
}

// Sources are the optional collaborators reported next to downloader state.
// Any field may be nil.
type Sources struct {
	Stats   StatsSource
	Seen    SeenCounter
	Chain   ChainInfo
	Signals SignalCounter
}

// Server wires HTTP handlers to the downloader state.
type Server struct {
	router     chi.Router
	downloader Downloader
	sources    Sources
	logger     *zap.Logger
	ready      atomic.Bool
}

// DownloaderStatus is the payload of GET /v1/downloader.
type DownloaderStatus struct {
	Active       int                       `json:"active"`
	NeedsBackout bool                      `json:"needs_backout"`
	Slots        []downloader.SlotSnapshot `json:"slots"`
	Stats        *stats.Snapshot           `json:"stats,omitempty"`
	Seen         *int                      `json:"seen,omitempty"`
	Middlewares  []string                  `json:"middlewares,omitempty"`
	Signals      *int64                    `json:"signals_emitted,omitempty"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(dl Downloader, sources Sources, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		downloader: dl,
		sources:    sources,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(instrumentMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/downloader", func(r chi.Router) {
		r.Get("/", s.getDownloader)
		r.Get("/slots/{key}", s.getSlot)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getDownloader(w http.ResponseWriter, _ *http.Request) {
	status := DownloaderStatus{
		Active:       s.downloader.ActiveCount(),
		NeedsBackout: s.downloader.NeedsBackout(),
		Slots:        s.downloader.Slots(),
	}
	if s.sources.Stats != nil {
		snap := s.sources.Stats.Snapshot()
		status.Stats = &snap
	}
	if s.sources.Seen != nil {
		n := s.sources.Seen.Len()
		status.Seen = &n
	}
	if s.sources.Chain != nil {
		status.Middlewares = s.sources.Chain.Names()
	}
	if s.sources.Signals != nil {
		n := s.sources.Signals.Emitted()
		status.Signals = &n
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) getSlot(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	for _, slot := range s.downloader.Slots() {
		if slot.Key == key {
			s.writeJSON(w, http.StatusOK, slot)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "slot not found")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
