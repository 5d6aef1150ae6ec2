// Package handler exposes the router and the admin endpoints over echo.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"storefront-edge/internal/config"
	"storefront-edge/internal/model"
	"storefront-edge/internal/service"
)

// ProxyHandler routes every non-admin request to the backend or the proxy.
type ProxyHandler struct {
	router    *service.Router
	bodyLimit int64
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(router *service.Router, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		router:    router,
		bodyLimit: cfg.Server.BodyMaxBytes,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle buffers the request body, routes the request and streams the
// upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := model.ReadBody(req.Method, req.Body, h.bodyLimit)
	if err != nil {
		return h.bodyError(c, err)
	}

	resp, err := h.router.Route(&model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		// Keep the request ID assigned at the edge.
		if key == echo.HeaderXRequestID && dst.Get(key) != "" {
			continue
		}
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy only truncates the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) bodyError(c echo.Context, err error) error {
	// echo's BodyLimit middleware reports oversized bodies while they are read.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if errors.Is(err, model.ErrBodyTooLarge) {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
	}
	h.logger.Warn("reading request body", "err", err, "path", c.Request().URL.Path)
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": "unable to read request body",
	})
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
