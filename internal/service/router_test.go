package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"storefront-edge/internal/client"
	"storefront-edge/internal/config"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/model"
	"storefront-edge/internal/routing"
	"storefront-edge/internal/tracing"
)

const (
	publicHost   = "shop.example.test"
	markerHeader = "X-Shopify-Edgee-Auth"
	injected     = "s3cr3t"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig points the backend's public host at canonical and the proxy at proxyURL.
func testConfig(canonical, proxyURL string) *config.Config {
	cfg := &config.Config{
		Backend: config.BackendConfig{
			PublicHost:    publicHost,
			CanonicalHost: canonical,
			Scheme:        "http",
		},
		Proxy:    config.ProxyConfig{URL: proxyURL},
		Routing:  config.RoutingConfig{MarkerHeader: markerHeader},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 4},
	}
	cfg.SetDefaults()
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config, up Upstream) *Router {
	t.Helper()
	r, err := NewRouter(up, routing.NewClassifier(cfg), cfg, injected, discardLogger(), nil, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return r
}

// liveRouter wires a Router to the real upstream client.
func liveRouter(t *testing.T, backend, proxy *recordingServer) *Router {
	t.Helper()
	cfg := testConfig(strings.TrimPrefix(backend.URL, "http://"), proxy.URL)
	return newTestRouter(t, cfg, client.NewUpstreamClient(cfg, discardLogger(), nil))
}

func readBody(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return string(b)
}

// recordingServer counts requests and keeps the last one seen.
type recordingServer struct {
	*httptest.Server

	mu     sync.Mutex
	hits   int
	last   *http.Request
	body   string
	status int
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	t.Helper()
	rs := &recordingServer{status: status}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.hits++
		rs.last = r
		rs.body = string(b)
		rs.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(rs.status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) snapshot() (int, *http.Request, string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.hits, rs.last, rs.body
}

func TestRoute_NavigationGoesToProxy(t *testing.T) {
	backend := newRecordingServer(t, http.StatusOK)
	proxy := newRecordingServer(t, http.StatusOK)
	r := liveRouter(t, backend, proxy)

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/products/1",
		RawQuery: "variant=2",
		Header:   http.Header{"Sec-Fetch-Mode": {"navigate"}},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if got := readBody(t, resp); got != "ok" {
		t.Errorf("body = %q, want %q", got, "ok")
	}

	hits, req, _ := proxy.snapshot()
	if hits != 1 {
		t.Fatalf("proxy hits = %d, want 1", hits)
	}
	if n, _, _ := backend.snapshot(); n != 0 {
		t.Errorf("backend hits = %d, want 0", n)
	}
	if req.URL.Path != "/products/1" || req.URL.RawQuery != "variant=2" {
		t.Errorf("proxy saw %s?%s, want /products/1?variant=2", req.URL.Path, req.URL.RawQuery)
	}
	if got := req.Header.Get("X-From-Edge-Worker"); got != "1" {
		t.Errorf("X-From-Edge-Worker = %q, want %q", got, "1")
	}
	if got := resp.Header.Get("X-Edge-Dest"); got != "edgee(navigation)" {
		t.Errorf("X-Edge-Dest = %q, want %q", got, "edgee(navigation)")
	}
	if got := resp.Header.Get("Cache-Control"); got == "no-store" {
		t.Error("Cache-Control = no-store, want it left alone on a non-sensitive path")
	}
}

func TestRoute_WriteGoesDirectWithMarker(t *testing.T) {
	backend := newRecordingServer(t, http.StatusOK)
	proxy := newRecordingServer(t, http.StatusOK)
	r := liveRouter(t, backend, proxy)

	body, err := model.ReadBody(http.MethodPost, strings.NewReader("id=7&quantity=1"), 0)
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	resp, err := r.Route(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/cart/add",
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:   body,
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	hits, req, got := backend.snapshot()
	if hits != 1 {
		t.Fatalf("backend hits = %d, want 1", hits)
	}
	if n, _, _ := proxy.snapshot(); n != 0 {
		t.Errorf("proxy hits = %d, want 0", n)
	}
	if req.Host != publicHost {
		t.Errorf("Host = %q, want %q", req.Host, publicHost)
	}
	if v := req.Header.Get(markerHeader); v != injected {
		t.Errorf("%s = %q, want %q", markerHeader, v, injected)
	}
	if got != "id=7&quantity=1" {
		t.Errorf("body = %q, want %q", got, "id=7&quantity=1")
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if tag := resp.Header.Get("X-Edge-Dest"); tag != "shopify(write-direct)" {
		t.Errorf("X-Edge-Dest = %q, want %q", tag, "shopify(write-direct)")
	}
}

func TestRoute_SensitiveWithMarker(t *testing.T) {
	backend := newRecordingServer(t, http.StatusOK)
	proxy := newRecordingServer(t, http.StatusOK)
	r := liveRouter(t, backend, proxy)

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/checkout",
		Header: http.Header{markerHeader: {"client-value"}, "Sec-Fetch-Mode": {"navigate"}},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	hits, req, _ := backend.snapshot()
	if hits != 1 {
		t.Fatalf("backend hits = %d, want 1", hits)
	}
	if v := req.Header.Get(markerHeader); v != "client-value" {
		t.Errorf("%s = %q, want it forwarded unchanged", markerHeader, v)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if tag := resp.Header.Get("X-Edge-Dest"); tag != "shopify(header-present)" {
		t.Errorf("X-Edge-Dest = %q, want %q", tag, "shopify(header-present)")
	}
}

// A proxy redirect to the public host must still reach the backend's canonical address.
func TestRoute_RedirectToPublicHostUsesOverride(t *testing.T) {
	backend := newRecordingServer(t, http.StatusOK)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+publicHost+"/products/1")
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	t.Cleanup(proxy.Close)

	cfg := testConfig(strings.TrimPrefix(backend.URL, "http://"), proxy.URL)
	r := newTestRouter(t, cfg, client.NewUpstreamClient(cfg, discardLogger(), nil))

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/products/1",
		Header: http.Header{"Sec-Fetch-Dest": {"document"}},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	hits, req, _ := backend.snapshot()
	if hits != 1 {
		t.Fatalf("backend hits = %d, want 1", hits)
	}
	if req.Host != publicHost {
		t.Errorf("Host = %q, want %q", req.Host, publicHost)
	}
}

// fakeUpstream records every hop and answers through respond.
type fakeUpstream struct {
	mu      sync.Mutex
	calls   []*model.OutboundRequest
	bodies  []string
	respond func(n int, out *model.OutboundRequest) (*model.ProxyResponse, error)
}

func (f *fakeUpstream) Send(_ context.Context, out *model.OutboundRequest) (*model.ProxyResponse, error) {
	b, _ := io.ReadAll(out.Body.NewReader())

	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, out)
	f.bodies = append(f.bodies, string(b))
	f.mu.Unlock()

	return f.respond(n, out)
}

// trackedBody remembers whether it was closed.
type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func response(code int, h http.Header, body string) *model.ProxyResponse {
	if h == nil {
		h = make(http.Header)
	}
	return &model.ProxyResponse{
		StatusCode: code,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func redirectTo(code int, location string) *model.ProxyResponse {
	return response(code, http.Header{"Location": {location}}, "moved")
}

func postRequest(path, body string) *model.ProxyRequest {
	b, _ := model.ReadBody(http.MethodPost, strings.NewReader(body), 0)
	return &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   path,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   b,
	}
}

func TestRoute_Replays307Chain(t *testing.T) {
	for _, n := range []int{0, 1, 3, 10} {
		t.Run(fmt.Sprintf("%d redirects", n), func(t *testing.T) {
			up := &fakeUpstream{respond: func(i int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
				if i < n {
					code := http.StatusTemporaryRedirect
					if i%2 == 1 {
						code = http.StatusPermanentRedirect
					}
					return redirectTo(code, fmt.Sprintf("/step/%d", i+1)), nil
				}
				return response(http.StatusOK, nil, "done"), nil
			}}
			r := newTestRouter(t, testConfig("unused.invalid", "https://edge.example.app"), up)

			resp, err := r.Route(postRequest("/cart/update", `{"qty":2}`))
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if got := readBody(t, resp); got != "done" {
				t.Errorf("body = %q, want %q", got, "done")
			}
			if len(up.calls) != n+1 {
				t.Fatalf("fetches = %d, want %d", len(up.calls), n+1)
			}
			for i, c := range up.calls {
				if c.Method != http.MethodPost {
					t.Errorf("hop %d method = %q, want POST", i, c.Method)
				}
				if up.bodies[i] != `{"qty":2}` {
					t.Errorf("hop %d body = %q, want original body", i, up.bodies[i])
				}
				if c.URL.Host != publicHost {
					t.Errorf("hop %d host = %q, want %q", i, c.URL.Host, publicHost)
				}
			}
		})
	}
}

func TestRoute_TooManyRedirects(t *testing.T) {
	tests := []struct {
		name        string
		max         int
		wantFetches int
	}{
		{"default bound", config.DefaultMaxRedirects, 11},
		{"following disabled", 0, 1},
		{"small bound", 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var last *trackedBody
			up := &fakeUpstream{respond: func(_ int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
				last = &trackedBody{Reader: strings.NewReader("loop")}
				return &model.ProxyResponse{
					StatusCode: http.StatusTemporaryRedirect,
					Header:     http.Header{"Location": {"/again"}},
					Body:       last,
				}, nil
			}}
			cfg := testConfig("unused.invalid", "https://edge.example.app")
			cfg.Routing.MaxRedirects = &tt.max
			r := newTestRouter(t, cfg, up)

			resp, err := r.Route(postRequest("/cart/add", "x=1"))
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if resp.StatusCode != http.StatusLoopDetected {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusLoopDetected)
			}
			if got := readBody(t, resp); got != "" {
				t.Errorf("body = %q, want empty", got)
			}
			if len(up.calls) != tt.wantFetches {
				t.Errorf("fetches = %d, want %d", len(up.calls), tt.wantFetches)
			}
			if !last.closed {
				t.Error("last redirect body was not closed")
			}
			if tag := resp.Header.Get("X-Edge-Dest"); tag != "shopify(write-direct)" {
				t.Errorf("X-Edge-Dest = %q, want %q", tag, "shopify(write-direct)")
			}
		})
	}
}

func TestRoute_MethodChangingRedirectPassesThrough(t *testing.T) {
	tests := []struct {
		name     string
		chain    []*model.ProxyResponse
		wantCode int
		wantLoc  string
	}{
		{
			name:     "303 relative",
			chain:    []*model.ProxyResponse{redirectTo(http.StatusSeeOther, "/account/login")},
			wantCode: http.StatusSeeOther,
			wantLoc:  "http://shop.example.test/account/login",
		},
		{
			name:     "301 absolute",
			chain:    []*model.ProxyResponse{redirectTo(http.StatusMovedPermanently, "https://other.example/x")},
			wantCode: http.StatusMovedPermanently,
			wantLoc:  "https://other.example/x",
		},
		{
			name:     "302 scheme relative",
			chain:    []*model.ProxyResponse{redirectTo(http.StatusFound, "//cdn.example/a?b=1")},
			wantCode: http.StatusFound,
			wantLoc:  "http://cdn.example/a?b=1",
		},
		{
			name: "303 after two 307",
			chain: []*model.ProxyResponse{
				redirectTo(http.StatusTemporaryRedirect, "/one"),
				redirectTo(http.StatusTemporaryRedirect, "/two/"),
				redirectTo(http.StatusSeeOther, "done"),
			},
			wantCode: http.StatusSeeOther,
			wantLoc:  "http://shop.example.test/two/done",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{respond: func(i int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
				if i >= len(tt.chain) {
					t.Fatalf("unexpected fetch %d", i+1)
				}
				resp := tt.chain[i]
				resp.Header.Set("Content-Length", "5")
				return resp, nil
			}}
			r := newTestRouter(t, testConfig("unused.invalid", "https://edge.example.app"), up)

			resp, err := r.Route(postRequest("/cart/add", "x=1"))
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if len(up.calls) != len(tt.chain) {
				t.Errorf("fetches = %d, want %d", len(up.calls), len(tt.chain))
			}
			if resp.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if got := resp.Header.Get("Location"); got != tt.wantLoc {
				t.Errorf("Location = %q, want %q", got, tt.wantLoc)
			}
			if got := resp.Header.Get("Content-Length"); got != "" {
				t.Errorf("Content-Length = %q, want none", got)
			}
			if got := readBody(t, resp); got != "" {
				t.Errorf("body = %q, want empty", got)
			}
		})
	}
}

func TestRoute_UnusableLocationIsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		location string
	}{
		{"missing", ""},
		{"malformed", "http://[::1"},
		{"non-http scheme", "mailto:ops@example.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{respond: func(_ int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
				h := make(http.Header)
				if tt.location != "" {
					h.Set("Location", tt.location)
				}
				return response(http.StatusTemporaryRedirect, h, "see elsewhere"), nil
			}}
			r := newTestRouter(t, testConfig("unused.invalid", "https://edge.example.app"), up)

			resp, err := r.Route(postRequest("/cart/add", "x=1"))
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if len(up.calls) != 1 {
				t.Errorf("fetches = %d, want 1", len(up.calls))
			}
			if resp.StatusCode != http.StatusTemporaryRedirect {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
			}
			if got := resp.Header.Get("Location"); got != tt.location {
				t.Errorf("Location = %q, want %q unchanged", got, tt.location)
			}
			if got := readBody(t, resp); got != "see elsewhere" {
				t.Errorf("body = %q, want upstream body", got)
			}
		})
	}
}

func TestRoute_CrossHostRedirectDropsCredentials(t *testing.T) {
	up := &fakeUpstream{respond: func(i int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
		switch i {
		case 0:
			return redirectTo(http.StatusTemporaryRedirect, "/same-host"), nil
		case 1:
			return redirectTo(http.StatusPermanentRedirect, "https://other.example/elsewhere"), nil
		}
		return response(http.StatusOK, nil, ""), nil
	}}
	r := newTestRouter(t, testConfig("unused.invalid", "https://edge.example.app"), up)

	pr := postRequest("/cart/add", "x=1")
	pr.Header.Set("Cookie", "cart=abc")
	pr.Header.Set("Authorization", "Bearer t")
	resp, err := r.Route(pr)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	if len(up.calls) != 3 {
		t.Fatalf("fetches = %d, want 3", len(up.calls))
	}
	if got := up.calls[0].Header.Get(markerHeader); got != injected {
		t.Fatalf("first hop %s = %q, want injected %q", markerHeader, got, injected)
	}
	same := up.calls[1].Header
	if same.Get("Cookie") != "cart=abc" || same.Get(markerHeader) != injected {
		t.Errorf("same-host hop lost credentials: %v", same)
	}
	other := up.calls[2].Header
	for _, h := range []string{"Cookie", "Authorization", markerHeader} {
		if v := other.Get(h); v != "" {
			t.Errorf("cross-host hop carried %s = %q", h, v)
		}
	}
	if up.bodies[2] != "x=1" {
		t.Errorf("cross-host hop body = %q, want original", up.bodies[2])
	}
}

func TestRoute_StripsHopByHopHeaders(t *testing.T) {
	hop := []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Te", "Trailer", "X-Conn-Scoped"}

	up := &fakeUpstream{respond: func(_ int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
		return response(http.StatusOK, http.Header{
			"Connection":        {"X-Conn-Scoped"},
			"X-Conn-Scoped":     {"1"},
			"Keep-Alive":        {"timeout=5"},
			"Transfer-Encoding": {"chunked"},
			"Content-Type":      {"text/html"},
		}, "<html>"), nil
	}}
	r := newTestRouter(t, testConfig("unused.invalid", "https://edge.example.app"), up)

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/",
		Header: http.Header{
			"Connection":        {"keep-alive, X-Conn-Scoped"},
			"X-Conn-Scoped":     {"1"},
			"Keep-Alive":        {"timeout=5"},
			"Transfer-Encoding": {"chunked"},
			"Upgrade":           {"websocket"},
			"Te":                {"trailers"},
			"Trailer":           {"Expires"},
			"Accept":            {"text/html"},
		},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	out := up.calls[0].Header
	for _, h := range hop {
		if _, ok := out[http.CanonicalHeaderKey(h)]; ok {
			t.Errorf("outbound request carried %s", h)
		}
		if _, ok := resp.Header[http.CanonicalHeaderKey(h)]; ok {
			t.Errorf("response carried %s", h)
		}
	}
	if out.Get("Accept") != "text/html" {
		t.Error("outbound request lost Accept")
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Error("response lost Content-Type")
	}
}

func TestRoute_StripMarker(t *testing.T) {
	up := &fakeUpstream{respond: func(_ int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
		return response(http.StatusOK, nil, ""), nil
	}}
	cfg := testConfig("unused.invalid", "https://edge.example.app")
	cfg.Routing.StripMarker = true
	r := newTestRouter(t, cfg, up)

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/products/1",
		Header: http.Header{markerHeader: {"1"}},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	if _, ok := up.calls[0].Header[markerHeader]; ok {
		t.Errorf("marker forwarded with strip_marker enabled")
	}
}

func TestRoute_KeepsEncodedPathAndQuery(t *testing.T) {
	up := &fakeUpstream{respond: func(_ int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
		return response(http.StatusOK, nil, ""), nil
	}}
	r := newTestRouter(t, testConfig("unused.invalid", "https://edge.example.app/ignored"), up)

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/collections/a/b",
		RawPath:  "/collections/a%2Fb",
		RawQuery: "q=a%20b&sort=",
		Header:   http.Header{"Sec-Fetch-Mode": {"navigate"}},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	want := "https://edge.example.app/collections/a%2Fb?q=a%20b&sort="
	if got := up.calls[0].URL.String(); got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestRoute_UpstreamError(t *testing.T) {
	errRefused := errors.New("connection refused")
	up := &fakeUpstream{respond: func(_ int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
		return nil, errRefused
	}}
	r := newTestRouter(t, testConfig("unused.invalid", "https://edge.example.app"), up)

	_, err := r.Route(&model.ProxyRequest{Method: http.MethodGet, Path: "/", Header: http.Header{}})
	if !errors.Is(err, errRefused) {
		t.Errorf("Route() error = %v, want wrapped %v", err, errRefused)
	}
}

func TestRoute_SpansAndMetrics(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := metrics.New()

	up := &fakeUpstream{respond: func(i int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
		if i == 0 {
			return redirectTo(http.StatusTemporaryRedirect, "/next"), nil
		}
		return response(http.StatusOK, nil, ""), nil
	}}
	cfg := testConfig("unused.invalid", "https://edge.example.app")
	tracer := tracing.NewWithTracerProvider(tp, "test").Tracer()
	r, err := NewRouter(up, routing.NewClassifier(cfg), cfg, injected, discardLogger(), m, tracer)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/products/1",
		Header: http.Header{"Sec-Fetch-Dest": {"document"}},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	var routes, hops int
	for _, s := range sr.Ended() {
		switch s.Name() {
		case "edge.route":
			routes++
		case "edge.upstream":
			hops++
		}
	}
	if routes != 1 || hops != 2 {
		t.Errorf("spans: route = %d, upstream = %d, want 1 and 2", routes, hops)
	}

	counter := func(c interface{ Write(*dto.Metric) error }) float64 {
		var metric dto.Metric
		if err := c.Write(&metric); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		return metric.GetCounter().GetValue()
	}
	if got := counter(m.Decisions.WithLabelValues("proxy", routing.LabelNavigation)); got != 1 {
		t.Errorf("decisions{proxy,navigation} = %v, want 1", got)
	}
	if got := counter(m.Redirects.WithLabelValues("proxy", metrics.RedirectFollowed)); got != 1 {
		t.Errorf("redirects{proxy,followed} = %v, want 1", got)
	}
}

func TestRoute_ContinuesIncomingTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	up := &fakeUpstream{respond: func(_ int, _ *model.OutboundRequest) (*model.ProxyResponse, error) {
		return response(http.StatusOK, nil, ""), nil
	}}
	cfg := testConfig("unused.invalid", "https://edge.example.app")
	tracer := tracing.NewWithTracerProvider(tp, "test").Tracer()
	r, err := NewRouter(up, routing.NewClassifier(cfg), cfg, injected, discardLogger(), nil, tracer)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	resp, err := r.Route(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/products/1",
		Header: http.Header{"Traceparent": {"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}},
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	_ = readBody(t, resp)

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "edge.route" {
			continue
		}
		found = true
		if got := s.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
			t.Errorf("trace id = %s, want the caller's", got)
		}
		if got := s.Parent().SpanID().String(); got != "00f067aa0ba902b7" {
			t.Errorf("parent span id = %s, want %s", got, "00f067aa0ba902b7")
		}
		if !s.Parent().IsRemote() {
			t.Error("parent span context is not marked remote")
		}
	}
	if !found {
		t.Fatal("no edge.route span recorded")
	}
}

func TestNewRouter_InvalidProxyURL(t *testing.T) {
	for _, raw := range []string{"://bad", "edge.example.app"} {
		cfg := testConfig("unused.invalid", raw)
		if _, err := NewRouter(&fakeUpstream{}, routing.NewClassifier(cfg), cfg, injected, discardLogger(), nil, nil); err == nil {
			t.Errorf("NewRouter(%q) expected error, got nil", raw)
		}
	}
}
