package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openfroyo/draftsync/pkg/config"
	"github.com/openfroyo/draftsync/pkg/engine"
	"github.com/openfroyo/draftsync/pkg/stores"
	"github.com/openfroyo/draftsync/pkg/telemetry"
)

const requestTimeout = 60 * time.Second

// EventSource delivers engine events to in-process subscribers.
type EventSource interface {
	Subscribe(subscriber telemetry.EventSubscriber, filter telemetry.EventFilter) func()
}

// Server represents the HTTP API server
type Server struct {
	config   config.ServerConfig
	router   *chi.Mux
	sessions *Registry
	ref      engine.ReferenceSource
	store    stores.Store
	events   EventSource
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithStore exposes stored checkpoints and the sync event log.
func WithStore(store stores.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithEventSource sets where the websocket stream subscribes for session events.
func WithEventSource(events EventSource) Option {
	return func(s *Server) { s.events = events }
}

// WithTelemetry instruments requests. Its event publisher becomes the event
// source unless one was set explicitly.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) { s.tel = tel }
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, sessions *Registry, ref engine.ReferenceSource, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		sessions: sessions,
		ref:      ref,
		logger:   zerolog.Nop(),
		validate: newRequestValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil && s.tel != nil {
		s.events = s.tel.Events
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// HTTPServer wraps the router in an http.Server using the configured address and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.telemetryMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleOpenSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleCloseSession)
			r.Post("/sessions/{id}/mutations", s.handleMutation)
			r.Post("/sessions/{id}/validate", s.handleValidate)
			r.Post("/sessions/{id}/create", s.handleCreate)
			r.Post("/sessions/{id}/commit", s.handleCommit)
			r.Post("/sessions/{id}/launch", s.handleLaunch)
			r.Post("/sessions/{id}/save-draft", s.handleSaveDraft)
			r.Post("/sessions/{id}/save", s.handleSave)
			r.Post("/sessions/{id}/flush", s.handleFlush)
			r.Get("/sessions/{id}/events", s.handleSessionEvents)

			r.Get("/templates", s.handleListTemplates)
			r.Get("/drafts", s.handleListDrafts)
		})

		// long-lived, so outside the request timeout
		r.Get("/sessions/{id}/ws", s.handleStream)
	})

	s.router = r
}

func (s *Server) allowedOrigins() []string {
	if len(s.config.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.config.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// loggingMiddleware logs HTTP requests using zerolog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// telemetryMiddleware makes the telemetry instance available to handlers.
func (s *Server) telemetryMiddleware(next http.Handler) http.Handler {
	if s.tel == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(s.tel.WithContext(r.Context())))
	})
}
