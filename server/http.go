// Package server provides the HTTP surface of the media cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/expiry"
	"github.com/wolfeidau/media-cache/media"
	"github.com/wolfeidau/media-cache/metadata"
	"github.com/wolfeidau/media-cache/telemetry"
	"github.com/wolfeidau/media-cache/upstream"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken is the bearer token required on every route except /health
	// and /metrics. Empty disables authentication.
	AuthToken string

	// CleanupStartupDelay is the delay before the first periodic cleanup.
	// Default is 30 minutes.
	CleanupStartupDelay time.Duration

	// CleanupInterval is how often cleanup runs after the first pass.
	// Default is 1 hour.
	CleanupInterval time.Duration

	// DisableCleanup turns off periodic cleanup. POST /cleanup still works.
	DisableCleanup bool

	// Logger for the server
	Logger *slog.Logger
}

// Cache is the part of *cache.Service the server uses.
type Cache interface {
	Fetch(ctx context.Context, rawURL string, opts ...cache.Option) (*cache.Response, error)
	Check(ctx context.Context, rawURL string) (*metadata.Entry, error)
	Cleanup(ctx context.Context) (*cache.CleanupResult, error)
	Delete(name string)
	Stats(ctx context.Context) (cache.Stats, error)
}

// Server is the HTTP server for the media cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache     Cache
	library   *media.Library
	expiryMgr *expiry.Manager

	// Removal events are applied in order by one listener goroutine.
	events     *media.Events
	removals   chan media.Event
	eventsCtx  context.Context
	stopEvents context.CancelFunc
}

// New creates a new server in front of c.
func New(c Cache, cfg Config) (*Server, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	var expiryMgr *expiry.Manager
	if !cfg.DisableCleanup {
		expiryMgr = expiry.NewManager(c, expiry.Config{
			StartupDelay: cfg.CleanupStartupDelay,
			Interval:     cfg.CleanupInterval,
			Logger:       cfg.Logger,
		})
	}

	eventsCtx, stopEvents := context.WithCancel(context.Background())

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		cache:      c,
		library:    media.NewLibrary(c),
		expiryMgr:  expiryMgr,
		events:     media.NewEvents(c, cfg.Logger),
		removals:   make(chan media.Event),
		eventsCtx:  eventsCtx,
		stopEvents: stopEvents,
	}
	go s.events.Listen(eventsCtx, s.removals)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long timeout for audio downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler with logging and auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Scheduler and latency stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Generic cache access
	mux.HandleFunc("GET /fetch", s.handleFetch)
	mux.HandleFunc("GET /check", s.handleCheck)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("DELETE /entries/{name}", s.handleDeleteEntry)

	// Podcast media
	mux.HandleFunc("GET /artwork/{id}", s.handleArtwork)
	mux.HandleFunc("GET /audio/{id}", s.handleAudio)
	mux.HandleFunc("DELETE /artwork/{id}", s.handleRemoval(media.PodcastRemoved))
	mux.HandleFunc("DELETE /audio/{id}", s.handleRemoval(media.EpisodeRemoved))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleFetch fetches ?url= through the cache and serves the stored blob.
// Optional parameters: name, accept (repeatable or comma separated),
// max_age (Go duration), compress (bool).
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetKind(r, "fetch")
	telemetry.SetEndpoint(r, "fetch")

	q := r.URL.Query()
	opts, err := fetchOptions(q)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.cache.Fetch(r.Context(), q.Get("url"), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveCached(w, r, resp)
}

func fetchOptions(q map[string][]string) ([]cache.Option, error) {
	opts := []cache.Option{cache.WithPrefetch(true)}
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	if name := get("name"); name != "" {
		opts = append(opts, cache.WithName(name))
	}
	if raw := q["accept"]; len(raw) > 0 {
		var accept []string
		for _, v := range raw {
			for _, a := range strings.Split(v, ",") {
				if a = strings.TrimSpace(a); a != "" {
					accept = append(accept, a)
				}
			}
		}
		opts = append(opts, cache.WithAccept(accept...))
	}
	if v := get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid max_age: %w", err)
		}
		opts = append(opts, cache.WithMaxAge(d))
	}
	if v := get("compress"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid compress: %w", err)
		}
		opts = append(opts, cache.WithCompress(b))
	}
	return opts, nil
}

// handleCheck returns the metadata entry for ?url= without fetching.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	telemetry.SetKind(r, "check")
	e, err := s.cache.Check(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if e == nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeJSONError(w, http.StatusNotFound, "not cached")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	writeJSON(w, http.StatusOK, e)
}

// handleCleanup runs a cleanup pass and returns its result.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.cache.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteEntry evicts a logical name.
func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	s.cache.Delete(r.PathValue("name"))
	w.WriteHeader(http.StatusAccepted)
}

// handleArtwork serves a podcast's artwork from ?src=.
func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	telemetry.SetKind(r, "artwork")
	telemetry.SetEndpoint(r, "artwork")

	p := media.Podcast{ID: r.PathValue("id"), ArtworkURL: r.URL.Query().Get("src")}
	resp, err := s.library.FetchArtwork(r.Context(), p, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveCached(w, r, resp)
}

// handleAudio serves an episode's audio from ?src= with enclosure ?type=.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	telemetry.SetKind(r, "audio")
	telemetry.SetEndpoint(r, "audio")

	q := r.URL.Query()
	e := media.Episode{ID: r.PathValue("id"), URL: q.Get("src"), MimeType: q.Get("type")}
	resp, err := s.library.FetchAudio(r.Context(), e, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveCached(w, r, resp)
}

// handleRemoval publishes an entity removal event. The eviction happens
// after the response.
func (s *Server) handleRemoval(kind media.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.eventsCtx.Err() != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		ev := media.Event{Kind: kind, ID: r.PathValue("id")}
		select {
		case s.removals <- ev:
			w.WriteHeader(http.StatusAccepted)
		case <-s.eventsCtx.Done():
			writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		case <-r.Context().Done():
		}
	}
}

// writeError maps cache errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var se *upstream.StatusError
	switch {
	case errors.Is(err, cache.ErrInvalidURL), errors.Is(err, cache.ErrInvalidOptions), errors.Is(err, media.ErrNoSource):
		status = http.StatusBadRequest
	case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		status = http.StatusNotFound
	case errors.Is(err, upstream.ErrUpstream), errors.Is(err, upstream.ErrEmptyBody):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, cache.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSONError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set kind, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		if tags.Kind == "" {
			tags.Kind = deriveKind(r.URL.Path)
		}

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"kind", tags.Kind,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts periodic cleanup and serves until Shutdown.
func (s *Server) Start() error {
	if s.expiryMgr != nil {
		s.logger.Info("starting cleanup manager",
			"startup_delay", s.config.CleanupStartupDelay,
			"interval", s.config.CleanupInterval,
		)
		if err := s.expiryMgr.Start(context.Background()); err != nil {
			return fmt.Errorf("starting cleanup manager: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. The cache is closed by its
// owner afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}

	err := s.httpServer.Shutdown(ctx)
	s.stopEvents()
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveKind classifies requests no handler tagged.
func deriveKind(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case path == "/cleanup" || strings.HasPrefix(path, "/entries/"):
		return "admin"
	case strings.HasPrefix(path, "/artwork/"):
		return "artwork"
	case strings.HasPrefix(path, "/audio/"):
		return "audio"
	default:
		return "unknown"
	}
}
