package api

import (
	"context"
	"net/http"
	"time"

	"pingnote/cfg"
	"pingnote/svc/db"
	"pingnote/svc/svc"
	"pingnote/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	note       *svc.Note
	cfg        *cfg.Cfg
	store      db.Store
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, n *svc.Note, store db.Store) *Server {
	r := chi.NewRouter()
	mw := NewMw(c)
	s := &Server{
		router: r,
		note:   n,
		cfg:    c,
		store:  store,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	hdl := &Hdl{note: n, cfg: c}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", routePattern(req)).
				Str("remote", util.RedactIP(req.RemoteAddr)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Post("/api/notes", hdl.CreateNote)
		r.Get("/api/notes/{token}", hdl.GetNote)
		r.Delete("/api/notes/{token}", hdl.DeleteNote)
		r.Get("/api/code/{code}", hdl.ResolveCode)
		r.Post("/api/live/{token}", hdl.UpdateLive)
		r.Get("/api/config/presets", hdl.GetPresets)
	})
	// long-lived streams: no request timeout and no wrapped writer, so the
	// handler can lift the server write deadline
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(mw.CORS)
		r.Get("/api/live/{token}", hdl.StreamLive)
	})
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

// routePattern keeps tokens out of access logs.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
