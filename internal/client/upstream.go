// Package client provides the upstream HTTP client shared by both destinations.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"storefront-edge/internal/config"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/model"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// UpstreamClient sends requests to the backend or the proxy. It never follows
// redirects; the caller sees every 3xx.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// Connections for the backend's public host are dialed to its canonical host,
// while the Host header and TLS server name keep the public host.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bodies are relayed byte for byte, including their Content-Encoding.
		DisableCompression: true,
		DialContext:        resolveOverride(dialer.DialContext, cfg.Backend.PublicHost, cfg.Backend.CanonicalHost),
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// resolveOverride dials canonical instead of publicHost. A canonical name
// without a port inherits the port of the original address.
func resolveOverride(dial dialFunc, publicHost, canonical string) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err == nil && publicHost != "" && strings.EqualFold(host, publicHost) {
			addr = canonicalAddr(canonical, port)
		}
		return dial(ctx, network, addr)
	}
}

func canonicalAddr(canonical, port string) string {
	if _, _, err := net.SplitHostPort(canonical); err == nil {
		return canonical
	}
	return net.JoinHostPort(canonical, port)
}

// Send issues out and returns the raw response without following redirects.
// The caller is responsible for closing the response body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) Send(ctx context.Context, out *model.OutboundRequest) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL.String(), out.Body.NewReader())
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = out.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		// An empty value stops net/http from adding its own.
		req.Header.Set("User-Agent", "")
	}
	if n := out.Body.Len(); n > 0 {
		req.ContentLength = int64(n)
		req.GetBody = func() (io.ReadCloser, error) { return out.Body.NewReader(), nil }
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	return c.Do(out.Destination, req)
}

// Do executes an HTTP request against an upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(destination string, req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"destination", destination,
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(destination, method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(destination, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(destination, method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
