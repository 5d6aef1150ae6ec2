package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"storefront-edge/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the version and the upstreams requests are routed to.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":         "ok",
		"version":        string(h.version),
		"public_host":    h.cfg.Backend.PublicHost,
		"canonical_host": h.cfg.Backend.CanonicalHost,
		"proxy_url":      h.cfg.Proxy.URL,
	})
}
