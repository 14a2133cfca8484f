package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dustin/Landingstat/internal/collector"
	"github.com/dustin/Landingstat/internal/config"
	"github.com/dustin/Landingstat/internal/metrics"
	"github.com/dustin/Landingstat/internal/reports"
	"github.com/dustin/Landingstat/internal/sse"
	"github.com/dustin/Landingstat/internal/stats"
	"github.com/dustin/Landingstat/internal/storage"
	"github.com/dustin/Landingstat/internal/version"
)

// maxImportBytes caps /api/import bodies; MAX_REQUEST_BODY_BYTES only
// applies to beacons.
const maxImportBytes = 32 << 20

// Dispatcher accepts page signals. *collector.Collector implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig collector.Signal) (string, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Store     *storage.Storage
	Collector Dispatcher
	Stats     *stats.Aggregator
	Hub       *sse.Hub
	// Metrics may be nil, which disables /metrics and request accounting.
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	store       *storage.Storage
	collector   Dispatcher
	stats       *stats.Aggregator
	hub         *sse.Hub
	metrics     *metrics.Metrics
	now         func() time.Time
	mux         *http.ServeMux
	cfg         config.Config
	rateLimiter *RateLimiter
}

func New(cfg config.Config, d Deps) *Server {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		store:       d.Store,
		collector:   d.Collector,
		stats:       d.Stats,
		hub:         d.Hub,
		metrics:     d.Metrics,
		now:         now,
		mux:         http.NewServeMux(),
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
	}
	s.routes()
	return s
}

// Close stops the rate limiter's cleanup goroutine. It does not touch the
// injected components.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

func (s *Server) routes() {
	// Public endpoints
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /robots.txt", s.handleRobotsTxt)
	s.mux.HandleFunc("POST /api/collect", s.handleCollect)
	s.mux.HandleFunc("OPTIONS /api/collect", s.handleCollectPreflight)

	// Operator endpoints
	s.mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	s.mux.HandleFunc("GET /api/dashboard", s.requireAuth(s.handleDashboard))
	s.mux.HandleFunc("GET /api/export", s.requireAuth(s.handleExport))
	s.mux.HandleFunc("POST /api/import", s.requireAuth(s.handleImport))
	s.mux.HandleFunc("GET /api/sse", s.requireAuth(s.handleSSE))
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.requireAuth(promhttp.Handler().ServeHTTP))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	// Prevent search engine indexing
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")

	if s.metrics == nil {
		s.mux.ServeHTTP(w, r)
		return
	}
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	dbStatus := "connected"
	httpStatus := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		status = "error"
		dbStatus = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"db":      dbStatus,
		"version": version.Version,
	})
}

func (s *Server) handleRobotsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

// Authentication

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="landingstat", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) checkCredentials(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AuthUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AuthPassword)) == 1
	return userOK && passOK
}

// Beacon

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	if s.cfg.CORSAllowOrigin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSAllowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

func (s *Server) handleCollectPreflight(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	ip := extractIP(r)
	if !s.rateLimiter.Allow(ip) {
		slog.Debug("rate limit exceeded", "ip", ip, "path", r.URL.Path)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if limit := s.cfg.MaxRequestBodyBytes; limit > 0 {
		if r.ContentLength > limit {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var sig collector.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid signal")
		return
	}
	sig.ClientIP = ip

	id, err := s.collector.Dispatch(r.Context(), sig)
	s.recordSignal(sig.Type, err)
	switch {
	case err == nil:
		writeJSON(w, map[string]string{"sessionId": id})
	case errors.Is(err, collector.ErrBotIgnored):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, collector.ErrUnknownSignal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, collector.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, collector.ErrSessionEnded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("dispatch failed", "type", sig.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) recordSignal(signalType string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, collector.ErrBotIgnored):
		result = "bot"
	case errors.Is(err, collector.ErrUnknownSession):
		result = "unknown_session"
	case errors.Is(err, collector.ErrSessionEnded):
		result = "session_ended"
	case errors.Is(err, collector.ErrUnknownSignal):
		// Unknown types would blow up label cardinality.
		signalType = "invalid"
		result = "unknown_signal"
	default:
		result = "error"
	}
	s.metrics.RecordSignal(signalType, result)
}

// Operator endpoints

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Compute(r.Context())
	if err != nil {
		slog.Error("compute stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Compute(r.Context())
	if err != nil {
		slog.Error("compute stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		page, err := reports.GenerateHTML(snap, s.now())
		if err != nil {
			slog.Error("render dashboard failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to render dashboard")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := reports.WriteText(w, snap); err != nil {
		slog.Warn("failed to write dashboard", "error", err)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := reports.Export(r.Context(), s.store)
	if err != nil {
		slog.Error("export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", reports.Filename(s.now())))
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	// A JSON content type cannot be sent cross-origin without a preflight,
	// so browsers holding cached credentials cannot be used to forge imports.
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if err := reports.Import(r.Context(), s.store, data); err != nil {
		if errors.Is(err, reports.ErrInvalidDocument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("import failed", "error", err)
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}

	counts, err := s.store.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}
	slog.Info("analytics data imported", "visitors", counts[storage.Visitors], "events", counts[storage.Events])
	writeJSON(w, map[string]any{"imported": true, "counts": counts})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.hub.Subscribe()
	if ch == nil {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send an initial snapshot.
	if snap, err := s.stats.Compute(r.Context()); err == nil {
		if buf, err := json.Marshal(snap); err == nil {
			writeSSE(w, sse.EventStats, buf)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt.Type, evt.Payload)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, eventType string, payload []byte) {
	if eventType != "" {
		_, _ = w.Write([]byte("event: "))
		_, _ = w.Write([]byte(eventType))
		_, _ = w.Write([]byte("\n"))
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
