package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storefront-edge/internal/config"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Admin
// endpoints live under config.AdminPrefix; every other path is routed upstream.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	admin := e.Group(config.AdminPrefix, middleware.SecurityHeaders())
	admin.GET("/healthz", health.Healthz)
	admin.GET("/status", health.Status)
	// The prefix is reserved: unknown admin paths are never routed upstream.
	admin.Any("/*", func(echo.Context) error { return echo.ErrNotFound })

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path,
			echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})),
			middleware.SecurityHeaders(),
		)
	}

	e.Any("/*", proxy.Handle)
	// Any only covers echo's known methods; PURGE, LINK and other extension
	// methods land here instead of getting a 405.
	e.RouteNotFound("/*", proxy.Handle)
}
