package service

import (
	"net/http"
	"net/url"

	"storefront-edge/internal/header"
	"storefront-edge/internal/model"
	"storefront-edge/internal/routing"
)

// finalize shapes an upstream response for the client: hop-by-hop headers
// removed, caching disabled when d requires it, destination tag set.
func (r *Router) finalize(resp *model.ProxyResponse, d routing.Decision) *model.ProxyResponse {
	h := header.SanitizeResponse(resp.Header)
	if d.NoStore {
		h.Set("Cache-Control", "no-store")
	}
	h.Set(r.destHeader, r.destTag(d))

	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     h,
		Body:       body,
	}
}

// finalizeRedirect returns a redirect the client follows itself. The upstream
// body has already been discarded.
func (r *Router) finalizeRedirect(resp *model.ProxyResponse, d routing.Decision, loc *url.URL) *model.ProxyResponse {
	out := r.finalize(&model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}, d)
	out.Header.Set("Location", loc.String())
	out.Header.Del("Content-Length")
	out.Header.Del("Content-Type")
	return out
}

// loopDetected is the response for a redirect chain that hit the bound.
func (r *Router) loopDetected(d routing.Decision) *model.ProxyResponse {
	return r.finalize(&model.ProxyResponse{
		StatusCode: http.StatusLoopDetected,
		Header:     make(http.Header),
	}, d)
}

func (r *Router) destTag(d routing.Decision) string {
	name := r.backendName
	if d.Destination == routing.ViaProxy {
		name = r.proxyName
	}
	return name + "(" + d.Label + ")"
}
