// Package proxy implements the authenticating edge: it classifies every
// request by host and path, runs the matching auth gate, and streams
// traffic to the admin upstream or to per-user application instances.
package proxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"workspace/internal/config"
	"workspace/internal/hawk"
	"workspace/internal/ipfilter"
	"workspace/internal/registry"
	"workspace/internal/sso"

	"github.com/redis/go-redis/v9"
)

type Server struct {
	cfg      *config.ProxyConfig
	auth     *sso.Authenticator
	hawk     *hawk.Verifier
	filter   *ipfilter.Filter
	registry *registry.Client
	cache    redis.Cmdable
	logger   *slog.Logger

	// upstream has no overall timeout: long-polling and downloads hold
	// connections open for as long as the application wants.
	upstream *http.Client
	// spawning fails fast so an unready application falls through to the
	// progress page instead of hanging the browser.
	spawning *http.Client

	appHandler   http.Handler
	adminHandler http.Handler
}

func NewServer(cfg *config.ProxyConfig, auth *sso.Authenticator, verifier *hawk.Verifier, filter *ipfilter.Filter, reg *registry.Client, cache redis.Cmdable, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		auth:     auth,
		hawk:     verifier,
		filter:   filter,
		registry: reg,
		cache:    cache,
		logger:   logger.With("component", "proxy"),
		upstream: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 16,
			},
			// Redirects belong to the browser, not the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		spawning: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
				ResponseHeaderTimeout: 5 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	s.appHandler = auth.Wrap(http.HandlerFunc(s.serveApp))
	s.adminHandler = auth.Wrap(http.HandlerFunc(s.serveAdmin))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := Classify(r, s.cfg.ApplicationRootDomain)

	switch route.Class {
	case RouteHealthcheck:
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	case RouteServiceDiscovery:
		s.serveServiceDiscovery(w, r)
	case RouteMachineAPI:
		s.serveMachineAPI(w, r)
	case RouteAdmin:
		s.adminHandler.ServeHTTP(w, r)
	case RouteApp:
		s.appHandler.ServeHTTP(w, r.WithContext(withRoute(r.Context(), route)))
	default:
		s.logger.Info("Request for unknown host", "host", r.Host)
		http.Error(w, "unknown host", http.StatusForbidden)
	}
}

// serveAdmin forwards authenticated browser traffic to the admin upstream,
// identity attached. The upstream is inside the private network and trusts
// the headers.
func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request) {
	headers := s.upstreamHeaders(r)
	if _, err := s.forward(w, r, s.cfg.UpstreamRoot+r.URL.RequestURI(), headers, s.upstream, RouteAdmin); err != nil {
		s.logger.Error("Admin upstream unreachable", "path", r.URL.Path, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

// serveServiceDiscovery gates the scrape-target listing behind static basic
// auth so an external metrics collector can reach it without SSO.
func (s *Server) serveServiceDiscovery(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.BasicAuthUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.BasicAuthPassword)) == 1
	if !ok || !userOK || !passOK {
		w.Header().Set("WWW-Authenticate", `Basic realm="workspace"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	headers := filterHeaders(r.Header)
	headers.Del("Authorization")
	headers.Del("Cookie")
	headers.Del(sso.HeaderEmail)
	headers.Del(sso.HeaderUserID)
	headers.Del(sso.HeaderFirstName)
	headers.Del(sso.HeaderLastName)
	if _, err := s.forward(w, r, s.cfg.UpstreamRoot+r.URL.RequestURI(), headers, s.upstream, RouteServiceDiscovery); err != nil {
		s.logger.Error("Service discovery upstream unreachable", "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

// serveMachineAPI verifies the Hawk signature against the fully buffered
// body, then forwards with the buffered body re-attached.
func (s *Server) serveMachineAPI(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	r.Body.Close()

	sender, err := s.hawk.Verify(r.Context(), r, body)
	if err != nil {
		s.logger.Info("Hawk verification failed", "path", r.URL.Path, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	headers := filterHeaders(r.Header)
	headers.Del("Authorization")
	headers.Del("Cookie")
	// Machine callers have no browser identity; only the verified sender id
	// crosses, never client-supplied profile headers.
	headers.Del(sso.HeaderEmail)
	headers.Del(sso.HeaderFirstName)
	headers.Del(sso.HeaderLastName)
	headers.Set(sso.HeaderUserID, sender)

	r = r.WithContext(withBufferedBody(r.Context(), body))
	if _, err := s.forward(w, r, s.cfg.UpstreamRoot+r.URL.RequestURI(), headers, s.upstream, RouteMachineAPI); err != nil {
		s.logger.Error("Machine API upstream unreachable", "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

// renderPage serves an admin-rendered page as this response, copying both
// status and body so the admin component stays the single source of page
// content.
func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, path string, query url.Values) {
	pageURL := s.cfg.UpstreamRoot + path
	if len(query) > 0 {
		pageURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, pageURL, nil)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp, err := s.upstream.Do(req)
	if err != nil {
		s.logger.Error("Page fetch failed", "path", path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

type routeContextKey struct{}

func withRoute(ctx context.Context, route Route) context.Context {
	return context.WithValue(ctx, routeContextKey{}, route)
}

func routeFromContext(ctx context.Context) Route {
	route, _ := ctx.Value(routeContextKey{}).(Route)
	return route
}

type bufferedBodyContextKey struct{}

// withBufferedBody stashes a body that was consumed for signature
// verification so forwarding can replay it.
func withBufferedBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, bufferedBodyContextKey{}, body)
}

func bufferedBodyFromContext(ctx context.Context) (io.ReadCloser, bool) {
	body, ok := ctx.Value(bufferedBodyContextKey{}).([]byte)
	if !ok {
		return nil, false
	}
	return io.NopCloser(bytes.NewReader(body)), true
}
