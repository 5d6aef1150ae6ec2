package model

import (
	"net/http"
	"net/url"
)

// OutboundRequest is one fully built upstream request. The Host sent upstream
// is always URL.Host; the client decides which address to actually dial.
type OutboundRequest struct {
	// Destination labels metrics and spans ("backend" or "proxy").
	Destination string
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        *BufferedBody
}
