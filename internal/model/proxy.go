// Package model defines shared types for the edge router.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request to be routed upstream.
// Path, RawPath and RawQuery are copied verbatim to whichever upstream is chosen.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	// RawPath is the original encoded path when it differs from the default
	// encoding of Path, as in url.URL.
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     *BufferedBody
}

// ProxyResponse represents the shaped response to be streamed back.
// Body is never nil; responses without a body carry http.NoBody.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
