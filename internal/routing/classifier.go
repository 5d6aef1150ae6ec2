// Package routing decides, per request, which upstream a request goes to and
// how its response may be cached.
package routing

import (
	"net/http"
	"strings"

	"storefront-edge/internal/config"
)

// Destination is the upstream a request is forwarded to.
type Destination int

const (
	// DirectToBackend sends the request straight to the commerce backend.
	DirectToBackend Destination = iota
	// ViaProxy sends the request through the intermediary proxy.
	ViaProxy
)

// String returns the metric label for d.
func (d Destination) String() string {
	switch d {
	case DirectToBackend:
		return "backend"
	case ViaProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Labels explain which rule produced a Decision. They show up in the
// destination tag response header and in metrics.
const (
	LabelBypass        = "bypass"
	LabelHeaderPresent = "header-present"
	LabelWriteDirect   = "write-direct"
	LabelNavigation    = "navigation"
	LabelSubrequest    = "subrequest"
	LabelFallback      = "fallback"
)

// Decision is the outcome of classifying one request. It is computed once and
// never changed afterwards.
type Decision struct {
	Destination Destination
	Label       string
	// Sensitive marks per-session paths (cart, checkout, account).
	Sensitive bool
	// NoStore forces Cache-Control: no-store on the response.
	NoStore bool
	// InjectMarker sets the marker header on the outbound request.
	InjectMarker bool
}

// Classifier applies the routing rules. It holds only read-only configuration
// and is safe for concurrent use.
type Classifier struct {
	markerHeader      string
	bypassPrefixes    []string
	sensitivePrefixes []string
	writeMethods      map[string]bool
}

// NewClassifier builds a Classifier from the routing configuration.
func NewClassifier(cfg *config.Config) *Classifier {
	methods := make(map[string]bool, len(cfg.Routing.WriteMethods))
	for _, m := range cfg.Routing.WriteMethods {
		methods[strings.ToUpper(m)] = true
	}
	return &Classifier{
		markerHeader:      http.CanonicalHeaderKey(cfg.Routing.MarkerHeader),
		bypassPrefixes:    append([]string(nil), cfg.Routing.BypassPrefixes...),
		sensitivePrefixes: append([]string(nil), cfg.Routing.SensitivePrefixes...),
		writeMethods:      methods,
	}
}

// Classify returns the routing decision for a request. The first matching rule wins:
//
//  1. bypass path prefix: backend, never cached
//  2. marker header present: backend
//  3. write method: backend with the marker injected, never cached
//  4. GET/HEAD top-level navigation: proxy
//  5. GET/HEAD subresource: backend
//  6. anything else: backend
//
// Sensitive paths are never cached whatever the destination.
func (c *Classifier) Classify(method, path string, h http.Header) Decision {
	method = strings.ToUpper(method)
	sensitive := hasAnyPrefix(path, c.sensitivePrefixes)

	d := Decision{
		Destination: DirectToBackend,
		Sensitive:   sensitive,
		NoStore:     sensitive,
	}

	switch {
	case hasAnyPrefix(path, c.bypassPrefixes):
		d.Label = LabelBypass
		d.NoStore = true
	case c.HasMarker(h):
		d.Label = LabelHeaderPresent
	case c.writeMethods[method]:
		d.Label = LabelWriteDirect
		d.InjectMarker = true
		d.NoStore = true
	case method == http.MethodGet || method == http.MethodHead:
		if IsNavigation(h) {
			d.Destination = ViaProxy
			d.Label = LabelNavigation
		} else {
			d.Label = LabelSubrequest
		}
	default:
		d.Label = LabelFallback
	}
	return d
}

// HasMarker reports whether the marker header is present, whatever its value.
func (c *Classifier) HasMarker(h http.Header) bool {
	_, ok := h[c.markerHeader]
	return ok
}

// IsNavigation reports whether the browser signals a top-level document load.
// Clients that send neither Sec-Fetch header are treated as subresource fetches.
func IsNavigation(h http.Header) bool {
	return h.Get("Sec-Fetch-Dest") == "document" || h.Get("Sec-Fetch-Mode") == "navigate"
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
