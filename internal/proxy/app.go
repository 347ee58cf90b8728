package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"workspace/internal/appinstance"
	"workspace/internal/registry"
	"workspace/internal/sso"
)

const spawningSinceTTL = time.Hour

// serveApp handles one request to an application host: allowlist check,
// instance lookup (creating one on first visit), then either a streamed
// proxy hop or the relevant admin-rendered page.
func (s *Server) serveApp(w http.ResponseWriter, r *http.Request) {
	route := routeFromContext(r.Context())
	publicHost := route.PublicHost

	if err := s.filter.Check(r); err != nil {
		s.logger.Info("Application access denied", "public_host", publicHost, "error", err)
		s.renderPage(w, r, "/error_403", url.Values{"message": {"Access denied from your network."}})
		return
	}

	profile := sso.ProfileFromContext(r.Context())
	identity := registry.Identity{
		Email:     profile.Email,
		UserID:    profile.UserID,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
	}
	noModify := r.Header.Get(registry.NoModifyHeader) != ""

	inst, err := s.registry.Get(r.Context(), publicHost, identity)
	if errors.Is(err, registry.ErrNotFound) {
		if noModify {
			s.renderPage(w, r, "/error_500", url.Values{"message": {"Application is not running."}})
			return
		}
		inst, err = s.startInstance(r.Context(), publicHost, identity)
	}
	if err != nil {
		s.logger.Error("Instance lookup failed", "public_host", publicHost, "error", err)
		s.renderPage(w, r, "/error_500", nil)
		return
	}

	switch inst.State {
	case "SPAWNING":
		s.serveSpawning(w, r, publicHost, inst, identity, noModify)
	case "RUNNING":
		s.serveRunning(w, r, publicHost, inst)
	default:
		// A record that can no longer serve. Clear it so the next visit
		// starts fresh, unless this request is observe-only.
		if !noModify {
			if err := s.registry.Delete(r.Context(), publicHost, identity); err != nil {
				s.logger.Error("Stale instance delete failed", "public_host", publicHost, "error", err)
			}
		}
		s.renderPage(w, r, "/error_500", url.Values{"message": {"Application stopped. Refresh the page to restart it."}})
	}
}

// startInstance claims the host's single live slot. Losing the claim race
// is fine: the winner's instance serves this request too.
func (s *Server) startInstance(ctx context.Context, publicHost string, identity registry.Identity) (*registry.Instance, error) {
	inst, err := s.registry.Put(ctx, publicHost, identity)
	if errors.Is(err, registry.ErrConflict) {
		return s.registry.Get(ctx, publicHost, identity)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Instance spawn requested", "public_host", publicHost, "user", identity.Email)
	if err := s.cache.SetNX(ctx, spawningSinceKey(publicHost), time.Now().Unix(), spawningSinceTTL).Err(); err != nil {
		s.logger.Warn("Spawn start time not recorded", "public_host", publicHost, "error", err)
	}
	return inst, nil
}

// serveSpawning optimistically tries the application with fast timeouts.
// The first successful response promotes the instance to RUNNING; until
// then the browser gets the auto-refreshing progress page.
func (s *Server) serveSpawning(w http.ResponseWriter, r *http.Request, publicHost string, inst *registry.Instance, identity registry.Identity, noModify bool) {
	if inst.ProxyURL != "" && !isWebsocketUpgrade(r) {
		status, err := s.forward(w, r, inst.ProxyURL+r.URL.RequestURI(), s.upstreamHeaders(r), s.spawning, RouteApp)
		if err == nil {
			// Any status below 500 proves the application is up: a 404 on a
			// deep link is normal for tools without that route, while 5xx
			// usually means an internal server inside the container is not
			// ready yet.
			if status < http.StatusInternalServerError && !noModify {
				s.promoteToRunning(publicHost, identity)
			}
			s.recordActivity(r.Context(), publicHost)
			return
		}
	}

	s.renderPage(w, r, "/spawning", url.Values{
		"since": {strconv.Itoa(s.spawningSeconds(r.Context(), publicHost))},
	})
}

func (s *Server) serveRunning(w http.ResponseWriter, r *http.Request, publicHost string, inst *registry.Instance) {
	s.recordActivity(r.Context(), publicHost)

	if isWebsocketUpgrade(r) {
		s.tunnelWebsocket(w, r, inst.ProxyURL, publicHost)
		return
	}

	if _, err := s.forward(w, r, inst.ProxyURL+r.URL.RequestURI(), s.upstreamHeaders(r), s.upstream, RouteApp); err != nil {
		s.logger.Error("Application unreachable", "public_host", publicHost, "error", err)
		s.renderPage(w, r, "/error_502", nil)
	}
}

// promoteToRunning PATCHes in the background: the user's response must not
// wait on the control plane, and a lost promotion just repeats on the next
// request.
func (s *Server) promoteToRunning(publicHost string, identity registry.Identity) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.registry.SetRunning(ctx, publicHost, identity); err != nil {
			s.logger.Warn("Promotion to RUNNING failed", "public_host", publicHost, "error", err)
			return
		}
		s.cache.Del(ctx, spawningSinceKey(publicHost))
	}()
}

// recordActivity refreshes the idle clock the reaper reads.
func (s *Server) recordActivity(ctx context.Context, publicHost string) {
	if err := s.cache.Set(ctx, appinstance.ActivityKey(publicHost), time.Now().Unix(), 0).Err(); err != nil {
		s.logger.Warn("Activity not recorded", "public_host", publicHost, "error", err)
	}
}

func spawningSinceKey(publicHost string) string {
	return "spawning_since:" + publicHost
}

// spawningSeconds reports how long the host has been spawning, claiming
// the start time if no earlier request recorded one.
func (s *Server) spawningSeconds(ctx context.Context, publicHost string) int {
	now := time.Now().Unix()
	set, err := s.cache.SetNX(ctx, spawningSinceKey(publicHost), now, spawningSinceTTL).Result()
	if err != nil || set {
		return 0
	}
	raw, err := s.cache.Get(ctx, spawningSinceKey(publicHost)).Result()
	if err != nil {
		return 0
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since > now {
		return 0
	}
	return int(now - since)
}
