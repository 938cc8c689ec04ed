package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/config"
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/metrics"
	"github.com/JakeFAU/feedspider/internal/queue"
	"github.com/JakeFAU/feedspider/internal/spider"
)

const (
	defaultRemainsLimit = 100
	maxRemainsLimit     = 1000
)

// Controller is the part of a spider the server drives.
type Controller interface {
	Stats() spider.Stats
	Remains() spider.Remains
	AddFeed(feed any) error
	Pause()
	Resume() error
	Stop()
}

// Server wires HTTP handlers to a running spider.
type Server struct {
	router   chi.Router
	spider   Controller
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. m may be nil.
func NewServer(
	ctl Controller,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	cfg config.ServerConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		spider:   ctl,
		gatherer: gatherer,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if m != nil {
		r.Use(m.Middleware)
	}
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/status", s.status)
		r.Get("/remains", s.remains)
		r.Post("/feeds", s.addFeeds)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Post("/stop", s.stop)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready until the spider has finished its run.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	stats := s.spider.Stats()
	if stats.State == spider.StateDone {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "finished"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.spider.Stats())
}

// remains handles GET /v1/remains?limit=&offset=, ordered by job id.
func (s *Server) remains(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRemainsLimit, maxRemainsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	all := s.spider.Remains()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]remainDTO, 0, min(limit, len(ids)))
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, toRemainDTO(ids[i], all[ids[i]]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(ids), "remains": out})
}

func (s *Server) addFeeds(w http.ResponseWriter, r *http.Request) {
	var req addFeedsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Feeds) == 0 {
		writeError(w, http.StatusBadRequest, "feeds required")
		return
	}
	before := s.spider.Stats().Index
	err := s.spider.AddFeed(req.Feeds)
	admitted := s.spider.Stats().Index - before
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]int{"admitted": admitted})
	case errors.Is(err, job.ErrInvalidFeed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, spider.ErrFinished), errors.Is(err, spider.ErrLimitReached):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "admitted": admitted})
	default:
		s.logger.Error("add feeds failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add feeds")
	}
}

func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	s.spider.Pause()
	writeJSON(w, http.StatusOK, s.spider.Stats())
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	if err := s.spider.Resume(); err != nil {
		if errors.Is(err, queue.ErrLocked) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.spider.Stats())
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.spider.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

type addFeedsRequest struct {
	Feeds []any `json:"feeds"`
}

type remainDTO struct {
	JobID   string              `json:"job_id"`
	URL     string              `json:"url"`
	Retries int                 `json:"retries"`
	Error   job.SerializedError `json:"error"`
}

func toRemainDTO(id string, r spider.Remain) remainDTO {
	dto := remainDTO{JobID: id, Error: r.Error}
	if r.Job != nil && r.Job.Request != nil {
		dto.URL = r.Job.Request.URL
		dto.Retries = r.Job.Request.Retries
	}
	return dto
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
