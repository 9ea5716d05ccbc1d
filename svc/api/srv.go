package api

import (
	"context"
	"net/http"
	"time"

	"snaplink/cfg"
	"snaplink/svc/db"
	"snaplink/svc/lim"
	"snaplink/svc/svc"
	"snaplink/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	access     *svc.Access
	cfg        *cfg.Cfg
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer wires the link routes. rdb may be nil when no shared counter
// store is configured.
func NewServer(c *cfg.Cfg, a *svc.Access, create *lim.CreateLimiter, anomaly *lim.AnomalyDetector, ids *util.IdentityHasher, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(c, create, anomaly, ids)
	s := &Server{
		router: r,
		access: a,
		cfg:    c,
		rdb:    rdb,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	// Preflights match no route, so CORS runs ahead of routing.
	r.Use(mw.CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.IsDev() {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", routePattern(req)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{access: a, cfg: c}
		r.With(mw.RateLimitCreate).Post("/links", hdl.CreateLink)
		r.Get("/links/count", hdl.CountLinks)
		r.Get("/links/{id}", hdl.ConsumeLink)
		r.Head("/links/{id}", hdl.HeadLink)
		r.Get("/links/{id}/meta", hdl.LinkMeta)
		r.Get("/status", hdl.Status)
		r.Get("/config/expiry-options", hdl.ExpiryOptions)
	})
	return s
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

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
