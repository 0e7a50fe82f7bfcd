// Package server exposes the healing engine over HTTP.
//
// Routes:
//   - GET  /health   liveness plus model status
//   - POST /heal     heal one broken locator
//   - POST /confirm  record which candidate the caller accepted
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"selfheal/internal/config"
	"selfheal/internal/engine"
	"selfheal/internal/markup"
	"selfheal/internal/pii"
	"selfheal/internal/storage"
)

// Healer is the part of *engine.Engine the handlers use.
type Healer interface {
	Heal(ctx context.Context, req engine.Request) (*engine.Result, error)
	HasModel() bool
}

// Options are the collaborators a Server is built from. Engine and Repo are
// required.
type Options struct {
	Engine Healer
	Repo   storage.Repository
	Masker *pii.Masker
	Config config.ServerConfig
	// MaxMarkupBytes rejects larger page_html with 413. Zero means
	// markup.DefaultLimits.MaxBytes.
	MaxMarkupBytes int
	Log            *zap.Logger
	// Now is the snapshot clock. Defaults to time.Now.
	Now func() time.Time
}

// Server owns the router and the http.Server.
type Server struct {
	eng      Healer
	repo     storage.Repository
	masker   *pii.Masker
	cfg      config.ServerConfig
	maxBytes int
	log      *zap.Logger
	now      func() time.Time

	router     chi.Router
	httpServer *http.Server
}

// New wires the routes.
//
// Panics:
//   - If opts.Engine or opts.Repo is nil.
func New(opts Options) *Server {
	if opts.Engine == nil || opts.Repo == nil {
		panic("server: New needs an engine and a repository")
	}
	s := &Server{
		eng:      opts.Engine,
		repo:     opts.Repo,
		masker:   opts.Masker,
		cfg:      opts.Config,
		maxBytes: opts.MaxMarkupBytes,
		log:      opts.Log,
		now:      opts.Now,
	}
	if s.masker == nil {
		s.masker = pii.New()
	}
	if s.maxBytes <= 0 {
		s.maxBytes = markup.DefaultLimits.MaxBytes
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("http")
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/heal", s.handleHeal)
	r.Post("/confirm", s.handleConfirm)
	s.router = r
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on cfg.Addr until ctx is cancelled, then shuts down within
// cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		ErrorLog:     zap.NewStdLog(s.log),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs one line per request at Info, or Warn for 5xx.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("req_id", middleware.GetReqID(r.Context())),
				}
				if ww.Status() >= 500 {
					log.Warn("request", fields...)
					return
				}
				log.Info("request", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
