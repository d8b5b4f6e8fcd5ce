package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouterConfig carries the optional pieces of the HTTP surface.
type RouterConfig struct {
	API     *API
	WS      *WSHandler
	Limiter *IPRateLimiter
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/sessions", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}
		r.Post("/", cfg.API.createSession)
		if cfg.API.live != nil {
			r.Get("/live", cfg.API.liveSessions)
		}
		r.Get("/{id}", cfg.API.snapshot)
		r.Post("/{id}/commands", cfg.API.command)
		if cfg.API.logs != nil {
			r.Get("/{id}/log", cfg.API.log)
		}
	})
	r.Get("/ws/sessions/{id}", cfg.WS.ServeWS)
	return r
}
