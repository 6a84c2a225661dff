package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/metrics"
	"github.com/zy0x1337/aquaguide-sub003/internal/redis"
)

// RouterConfig wires the optional pieces of the router.
type RouterConfig struct {
	Limiter   *redis.RateLimiter // nil disables rate limiting
	RateLimit int
	WebSocket http.Handler // nil when the push hub is disabled
	Health    func(ctx context.Context) error
}

// NewRouter mounts the API under /v1 plus /health and /metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	if cfg.WebSocket != nil {
		r.Handle("/v1/ws", cfg.WebSocket)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit, logger, IPKeyFunc))

		r.Route("/tanks/{tankID}", func(r chi.Router) {
			r.Get("/reminders", h.ListReminders)
			r.Post("/reminders", h.CreateReminder)
			r.Post("/reminders/seed", h.SeedReminders)
			r.Post("/complete", h.CompleteMaintenance)
		})

		r.Route("/reminders/{id}", func(r chi.Router) {
			r.Get("/", h.GetReminder)
			r.Patch("/", h.UpdateReminder)
			r.Delete("/", h.DeleteReminder)
			r.Put("/next-due", h.SetNextDue)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/permission", h.GetPermission)
			r.Post("/permission", h.RequestPermission)
			r.Post("/test", h.TestNotification)
			r.Delete("/scheduled/{handle}", h.CancelScheduled)
			r.Get("/platforms", h.ListPlatforms)
			r.Post("/platforms/{name}/reset", h.ResetPlatform)
		})

		r.Post("/scheduler/tick", h.RunTick)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
