// Package service implements request routing: classification, forwarding to
// the chosen upstream, redirect replay and response shaping.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"storefront-edge/internal/config"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/model"
	"storefront-edge/internal/routing"
	"storefront-edge/internal/secrets"
)

// ErrTooManyRedirects is returned by replay when a request is redirected
// more often than the configured bound allows.
var ErrTooManyRedirects = errors.New("too many redirects")

// Upstream sends one outbound request and returns the response as received.
// Implementations must not follow redirects.
type Upstream interface {
	Send(ctx context.Context, out *model.OutboundRequest) (*model.ProxyResponse, error)
}

// Router routes inbound requests to the backend or the proxy.
// It holds only read-only state and is safe for concurrent use.
type Router struct {
	upstream   Upstream
	classifier *routing.Classifier

	backendName   string
	backendScheme string
	publicHost    string

	proxyName        string
	proxyOrigin      *url.URL
	proxyMarker      string
	proxyMarkerValue string

	markerHeader string
	markerValue  string
	stripMarker  bool
	destHeader   string
	maxHops      int

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewRouter creates a Router. The metrics and tracer parameters are optional.
func NewRouter(
	up Upstream,
	classifier *routing.Classifier,
	cfg *config.Config,
	marker secrets.MarkerValue,
	logger *slog.Logger,
	m *metrics.Metrics,
	tracer trace.Tracer,
) (*Router, error) {
	origin, err := url.Parse(cfg.Proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("proxy url %q is not absolute", cfg.Proxy.URL)
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("storefront-edge")
	}

	return &Router{
		upstream:   up,
		classifier: classifier,

		backendName:   cfg.Backend.Name,
		backendScheme: cfg.Backend.Scheme,
		publicHost:    cfg.Backend.PublicHost,

		proxyName:        cfg.Proxy.Name,
		proxyOrigin:      &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		proxyMarker:      cfg.Proxy.MarkerHeader,
		proxyMarkerValue: cfg.Proxy.MarkerValue,

		markerHeader: http.CanonicalHeaderKey(cfg.Routing.MarkerHeader),
		markerValue:  string(marker),
		stripMarker:  cfg.Routing.StripMarker,
		destHeader:   cfg.Routing.DestHeader,
		maxHops:      cfg.Routing.MaxRedirectHops(),

		logger:  logger.With("component", "router"),
		metrics: m,
		tracer:  tracer,
	}, nil
}

// Route classifies pr, forwards it and returns the shaped response.
// The caller is responsible for closing the response body.
//
// A redirect chain longer than the configured bound yields a synthetic
// 508 response, not an error. Errors are upstream transport failures.
func (r *Router) Route(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	d := r.classifier.Classify(pr.Method, pr.Path, pr.Header)
	if r.metrics != nil {
		r.metrics.Decisions.WithLabelValues(d.Destination.String(), d.Label).Inc()
	}

	// Continue the caller's trace when it sent one.
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(pr.Header))
	ctx, span := r.tracer.Start(ctx, "edge.route",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", pr.Method),
			attribute.String("url.path", pr.Path),
			attribute.String("edge.destination", d.Destination.String()),
			attribute.String("edge.label", d.Label),
			attribute.Bool("edge.no_store", d.NoStore),
		),
	)
	defer span.End()

	r.logger.Debug("routing decision",
		"method", pr.Method,
		"path", pr.Path,
		"destination", d.Destination.String(),
		"label", d.Label,
		"sensitive", d.Sensitive,
	)

	resp, err := r.replay(ctx, r.outboundFor(pr, d), d)
	switch {
	case errors.Is(err, ErrTooManyRedirects):
		r.logger.Warn("redirect loop detected",
			"method", pr.Method,
			"path", pr.Path,
			"destination", d.Destination.String(),
			"error", err,
		)
		span.SetStatus(codes.Error, err.Error())
		resp = r.loopDetected(d)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream failure")
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}
