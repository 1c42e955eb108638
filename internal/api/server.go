package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yangwenmai/readaloud/internal/lifecycle"
	"github.com/yangwenmai/readaloud/internal/metrics"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/view"
)

// maxRequestBody is the maximum allowed request body size (64 KB).
const maxRequestBody int64 = 64 << 10

// Artifacts is the lifecycle surface the handlers drive.
type Artifacts interface {
	CreateArtifact(ctx context.Context, prompt string) (*model.Artifact, error)
	DeleteArtifact(ctx context.Context, id int64) error
	RetryArtifact(ctx context.Context, id int64) (*model.Artifact, error)
	Status(ctx context.Context, id int64) (*lifecycle.Entry, error)
	List(ctx context.Context, limit int) ([]lifecycle.Entry, error)
	Open(ctx context.Context, id int64) (io.ReadCloser, int64, *model.Artifact, error)
	Active(ctx context.Context) (active, limit int, err error)
}

// Options configures the HTTP surface. Events, Metrics and Health are optional.
type Options struct {
	ListLimit    int
	CORSOrigin   string
	CreateLimit  int
	CreateWindow time.Duration
	Events       http.Handler
	Metrics      *metrics.Collector
	Health       func(ctx context.Context) error
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	artifacts Artifacts
	view      *view.Renderer
	opts      Options
	logger    *zap.Logger
	router    chi.Router
}

// New creates a new HTTP server.
func New(artifacts Artifacts, renderer *view.Renderer, logger *zap.Logger, opts Options) *Server {
	if opts.ListLimit <= 0 {
		opts.ListLimit = 10
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	srv := &Server{
		artifacts: artifacts,
		view:      renderer,
		opts:      opts,
		logger:    logger.With(zap.String("component", "http")),
		router:    chi.NewRouter(),
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.opts.CORSOrigin},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "HX-Request", "HX-Current-URL", "HX-Target", "HX-Trigger"},
		ExposedHeaders: []string{"HX-Trigger"},
	}))
	r.Use(limitBody)

	r.Get("/", s.handleIndex)
	r.With(s.createLimiter()).Post("/", s.handleCreate)
	r.Get("/artifact_count", s.handleCount)
	r.Route("/artifact/{id}", func(r chi.Router) {
		r.Get("/", s.handleRender)
		r.Delete("/", s.handleDelete)
		r.Post("/retry", s.handleRetry)
	})
	r.Get("/audio/{id}", s.handleAudio)

	r.Get("/api/artifacts", s.handleListJSON)
	r.Get("/api/artifacts/{id}", s.handleGetJSON)

	if s.opts.Events != nil {
		r.Method(http.MethodGet, "/ws", s.opts.Events)
	}
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type ctxKey int

const requestIDKey ctxKey = iota

// requestID tags each request with an id, reusing X-Request-Id when the
// client sent one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestIDFrom(r.Context())),
		}
		switch {
		case status >= 500:
			s.logger.Error("request", fields...)
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
			s.logger.Debug("request", fields...)
		default:
			s.logger.Info("request", fields...)
		}
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.Stack("stack"))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// createLimiter limits artifact creation per client IP. Over the limit the
// client gets the quota notice with 429.
func (s *Server) createLimiter() func(http.Handler) http.Handler {
	if s.opts.CreateLimit <= 0 || s.opts.CreateWindow <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(s.opts.CreateLimit, s.opts.CreateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.renderHTML(w, http.StatusTooManyRequests, func(w io.Writer) error {
				return s.view.Error(w, "Too many requests. Please wait a moment.")
			})
		}),
	)
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
