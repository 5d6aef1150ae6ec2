// Package header strips connection-scoped headers before they cross a hop.
package header

import (
	"net/http"
	"strings"
)

// hopByHop are headers that apply to a single connection and are never forwarded.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// requestOnly are additionally dropped from outbound requests; the transport
// derives both from the request it actually sends.
var requestOnly = []string{
	"Content-Length",
	"Host",
}

// SanitizeRequest returns a copy of src without hop-by-hop headers,
// Content-Length, or Host.
func SanitizeRequest(src http.Header) http.Header {
	dst := SanitizeResponse(src)
	for _, h := range requestOnly {
		dst.Del(h)
	}
	return dst
}

// SanitizeResponse returns a copy of src without hop-by-hop headers,
// including any listed in the Connection header.
func SanitizeResponse(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				dst.Del(token)
			}
		}
	}
	for _, h := range hopByHop {
		dst.Del(h)
	}
	return dst
}
