package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront-edge/internal/metrics"
	"storefront-edge/internal/model"
	"storefront-edge/internal/routing"
)

var errNoLocation = errors.New("redirect without location")

// drainLimit caps how much of a discarded redirect body is read so the
// connection can be reused.
const drainLimit = 64 << 10

// replay sends out and follows 307/308 responses, resending the same method
// and body to each new location. 301/302/303 responses are returned to the
// caller with an absolute Location instead of being followed.
func (r *Router) replay(ctx context.Context, out *model.OutboundRequest, d routing.Decision) (*model.ProxyResponse, error) {
	for hop := 0; ; hop++ {
		resp, err := r.send(ctx, out, hop)
		if err != nil {
			return nil, err
		}
		if !isRedirect(resp.StatusCode) {
			return r.finalize(resp, d), nil
		}

		loc, err := resolveLocation(out.URL, resp.Header.Get("Location"))
		if err != nil {
			r.logger.Debug("redirect not followed",
				"status", resp.StatusCode,
				"destination", out.Destination,
				"error", err,
			)
			r.countRedirect(out.Destination, metrics.RedirectNoLocation)
			return r.finalize(resp, d), nil
		}

		drain(resp.Body)

		if !preservesMethod(resp.StatusCode) {
			r.countRedirect(out.Destination, metrics.RedirectPassthrough)
			return r.finalizeRedirect(resp, d, loc), nil
		}

		if hop+1 > r.maxHops {
			r.countRedirect(out.Destination, metrics.RedirectExhausted)
			return nil, fmt.Errorf("%w: %d followed, last location %s", ErrTooManyRedirects, hop, loc.Redacted())
		}

		r.logger.Debug("following redirect",
			"status", resp.StatusCode,
			"hop", hop+1,
			"destination", out.Destination,
			"location", loc.Redacted(),
		)
		r.countRedirect(out.Destination, metrics.RedirectFollowed)
		out = r.redirected(out, loc)
	}
}

// send issues one hop inside its own client span.
func (r *Router) send(ctx context.Context, out *model.OutboundRequest, hop int) (*model.ProxyResponse, error) {
	ctx, span := r.tracer.Start(ctx, "edge.upstream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", out.Method),
			attribute.String("server.address", out.URL.Host),
			attribute.String("url.path", out.URL.Path),
			attribute.String("edge.destination", out.Destination),
			attribute.Int("edge.hop", hop),
		),
	)
	defer span.End()

	resp, err := r.upstream.Send(ctx, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		return nil, fmt.Errorf("forward to %s: %w", out.Destination, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// redirected rebuilds out against loc with the same method and body.
// Credentials are not carried to a different host. That includes the
// routing marker, even when it was injected for a write: a backend that
// redirects a write to a sibling host sees it unmarked there.
func (r *Router) redirected(out *model.OutboundRequest, loc *url.URL) *model.OutboundRequest {
	h := out.Header.Clone()
	if !strings.EqualFold(out.URL.Host, loc.Host) {
		h.Del("Authorization")
		h.Del("Cookie")
		h.Del(r.markerHeader)
	}
	return &model.OutboundRequest{
		Destination: out.Destination,
		Method:      out.Method,
		URL:         loc,
		Header:      h,
		Body:        out.Body,
	}
}

func (r *Router) countRedirect(destination, outcome string) {
	if r.metrics != nil {
		r.metrics.Redirects.WithLabelValues(destination, outcome).Inc()
	}
}

// resolveLocation resolves raw against base. Only http and https targets
// are usable.
func resolveLocation(base *url.URL, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errNoLocation
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse location: %w", err)
	}
	loc := base.ResolveReference(ref)
	if loc.Scheme != "http" && loc.Scheme != "https" {
		return nil, fmt.Errorf("unsupported location scheme %q", loc.Scheme)
	}
	if loc.Host == "" {
		return nil, fmt.Errorf("location %q has no host", raw)
	}
	return loc, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// preservesMethod reports whether a redirect must be replayed with the
// original method and body.
func preservesMethod(code int) bool {
	return code == http.StatusTemporaryRedirect || code == http.StatusPermanentRedirect
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}
