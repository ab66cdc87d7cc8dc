// Package api exposes the dialogue engine over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wbattistetti/omnia/internal/catalog"
	"github.com/wbattistetti/omnia/internal/dialogue"
	"github.com/wbattistetti/omnia/internal/metrics"
	"github.com/wbattistetti/omnia/internal/store"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// MaxRequestBodySize caps JSON request bodies.
	MaxRequestBodySize = 64 << 10
)

// TemplateLister lists the authored templates.
type TemplateLister interface {
	Templates() []catalog.Template
}

// Opts holds optional collaborators of the Server.
type Opts struct {
	Addr          string
	Results       store.ResultStore
	Translations  store.TranslationStore
	Catalog       TemplateLister
	TwilioWebhook http.HandlerFunc
	ActiveCount   func() int
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithResults enables GET /results.
func WithResults(rs store.ResultStore) Option {
	return func(o *Opts) { o.Results = rs }
}

// WithTranslations enables PUT /translations/{key}.
func WithTranslations(ts store.TranslationStore) Option {
	return func(o *Opts) { o.Translations = ts }
}

// WithCatalog enables GET /templates.
func WithCatalog(c TemplateLister) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithTwilioWebhook mounts h on POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithActiveCount reports the number of active dialogues on /health.
func WithActiveCount(fn func() int) Option {
	return func(o *Opts) { o.ActiveCount = fn }
}

// Server is the HTTP front of the dialogue engine.
type Server struct {
	engine dialogue.DialogueEngine
	opts   Opts
	router *chi.Mux
}

// NewServer builds the router for engine.
func NewServer(engine dialogue.DialogueEngine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{engine: engine, opts: cfg, router: chi.NewRouter()}

	r := s.router
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/dialogues", func(r chi.Router) {
		r.Post("/", s.startDialogueHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/utterances", s.submitUtteranceHandler)
			r.Get("/prompt", s.promptHandler)
			r.Get("/result", s.resultHandler)
			r.Delete("/", s.abandonHandler)
		})
	})
	if cfg.Results != nil {
		r.Get("/results", s.listResultsHandler)
	}
	if cfg.Translations != nil {
		r.Put("/translations/{key}", s.setTranslationHandler)
	}
	if cfg.Catalog != nil {
		r.Get("/templates", s.templatesHandler)
	}
	if cfg.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", cfg.TwilioWebhook)
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", s.opts.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("API server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
		return err
	}
	return nil
}

// requestID tags every request with an X-Request-ID, keeping the caller's.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
