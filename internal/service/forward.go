package service

import (
	"net/url"

	"storefront-edge/internal/header"
	"storefront-edge/internal/model"
	"storefront-edge/internal/routing"
)

// outboundFor builds the first-hop request for pr according to d.
func (r *Router) outboundFor(pr *model.ProxyRequest, d routing.Decision) *model.OutboundRequest {
	h := header.SanitizeRequest(pr.Header)

	var u *url.URL
	switch d.Destination {
	case routing.ViaProxy:
		u = &url.URL{Scheme: r.proxyOrigin.Scheme, Host: r.proxyOrigin.Host}
		h.Set(r.proxyMarker, r.proxyMarkerValue)
	default:
		// The client dials the canonical host for this name; Host and SNI
		// stay the public host.
		u = &url.URL{Scheme: r.backendScheme, Host: r.publicHost}
		switch {
		case d.InjectMarker:
			h.Set(r.markerHeader, r.markerValue)
		case r.stripMarker:
			h.Del(r.markerHeader)
		}
	}
	u.Path = pr.Path
	u.RawPath = pr.RawPath
	u.RawQuery = pr.RawQuery

	return &model.OutboundRequest{
		Destination: d.Destination.String(),
		Method:      pr.Method,
		URL:         u,
		Header:      h,
		Body:        pr.Body,
	}
}
