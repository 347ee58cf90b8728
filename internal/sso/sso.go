// Package sso authenticates browser traffic against an external OAuth2
// broker and annotates requests with the server-derived identity headers.
package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"workspace/internal/sessions"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const (
	HeaderEmail     = "sso-profile-email"
	HeaderUserID    = "sso-profile-user-id"
	HeaderFirstName = "sso-profile-first-name"
	HeaderLastName  = "sso-profile-last-name"

	// CallbackPath is reserved on the root domain and never proxied.
	CallbackPath = "/__redirect_from_sso"

	sessionTokenKey    = "sso_access_token"
	sessionTokenKeyKey = "sso_token_key"
	statePrefix        = "sso_state_"

	profileCacheTTL = 60 * time.Second
)

type Profile struct {
	Email     string `json:"email"`
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type Authenticator struct {
	oauth      oauth2.Config
	meURL      string
	cache      redis.Cmdable
	store      *sessions.Store
	rootDomain string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewAuthenticator(brokerURL, clientID, clientSecret, rootDomain string, cache redis.Cmdable, store *sessions.Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  brokerURL + "/o/authorize/",
				TokenURL: brokerURL + "/o/token/",
			},
		},
		meURL:      brokerURL + "/api/v1/user/me/",
		cache:      cache,
		store:      store,
		rootDomain: rootDomain,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "sso"),
	}
}

type contextKey int

const (
	sessionContextKey contextKey = iota
	profileContextKey
)

func SessionFromContext(ctx context.Context) *sessions.Session {
	sess, _ := ctx.Value(sessionContextKey).(*sessions.Session)
	return sess
}

func ProfileFromContext(ctx context.Context) *Profile {
	p, _ := ctx.Value(profileContextKey).(*Profile)
	return p
}

// WithProfile attaches an authenticated profile to the context, standing in
// for a completed SSO exchange.
func WithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileContextKey, p)
}

// Wrap runs the per-request SSO state machine before handing off to next.
// Downstream sees the four sso-profile-* headers derived from the
// server-side session, never from the client.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess := a.store.Load(ctx, r)

		if r.URL.Path == CallbackPath {
			a.handleCallback(w, r, sess)
			return
		}

		token, ok := sess.Get(sessionTokenKey)
		if !ok {
			a.startFlow(w, r, sess)
			return
		}

		profile, err := a.profile(ctx, sess, token)
		if err != nil {
			a.logger.Info("Profile fetch failed, restarting SSO flow", "error", err)
			sess.Delete(sessionTokenKey)
			a.startFlow(w, r, sess)
			return
		}

		stripIdentityHeaders(r.Header)
		r.Header.Set(HeaderEmail, profile.Email)
		r.Header.Set(HeaderUserID, profile.UserID)
		r.Header.Set(HeaderFirstName, profile.FirstName)
		r.Header.Set(HeaderLastName, profile.LastName)

		ctx = context.WithValue(ctx, sessionContextKey, sess)
		ctx = WithProfile(ctx, profile)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func stripIdentityHeaders(h http.Header) {
	h.Del(HeaderEmail)
	h.Del(HeaderUserID)
	h.Del(HeaderFirstName)
	h.Del(HeaderLastName)
}

// startFlow stores the final destination under a fresh random key and
// sends the browser to the broker. The key rides along in the state
// parameter so the callback can find it again.
func (a *Authenticator) startFlow(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	a.redirectToBroker(w, r, sess, requestURL(r))
}

func (a *Authenticator) redirectToBroker(w http.ResponseWriter, r *http.Request, sess *sessions.Session, finalURL string) {
	ctx := r.Context()

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	stateKey := hex.EncodeToString(buf)

	sess.Set(statePrefix+stateKey, finalURL)
	if err := sess.Save(ctx, w); err != nil {
		a.logger.Error("Session save failed before SSO redirect", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	cfg := a.oauth
	cfg.RedirectURL = a.redirectURI(r)
	http.Redirect(w, r, cfg.AuthCodeURL(stateKey+"_"+finalURL), http.StatusFound)
}

func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, a.httpClient)

	stateKey, embeddedURL, err := splitState(r.URL.Query().Get("state"))
	if err != nil {
		a.startFlow(w, r, sess)
		return
	}

	storedURL, found := sess.Get(statePrefix + stateKey)
	if !found || storedURL != embeddedURL {
		// Not the flow originator. The usual cause is a concurrent login in
		// another tab that rotated the cookie, so restart rather than 401.
		a.logger.Info("SSO state mismatch, restarting flow")
		a.redirectToBroker(w, r, sess, embeddedURL)
		return
	}

	cfg := a.oauth
	cfg.RedirectURL = a.redirectURI(r)
	token, err := cfg.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		a.logger.Warn("SSO code exchange failed, restarting flow", "error", err)
		a.redirectToBroker(w, r, sess, storedURL)
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	sess.Delete(statePrefix + stateKey)
	sess.Set(sessionTokenKey, token.AccessToken)
	sess.Set(sessionTokenKeyKey, hex.EncodeToString(buf))
	// Fresh cookie after authentication defeats session fixation.
	if err := sess.Rotate(); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := sess.Save(r.Context(), w); err != nil {
		a.logger.Error("Session save failed after SSO exchange", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, storedURL, http.StatusFound)
}

func splitState(state string) (key, finalURL string, err error) {
	for i := 0; i < len(state); i++ {
		if state[i] == '_' {
			return state[:i], state[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed state parameter")
}

// redirectURI is pinned to the root domain so every app subdomain funnels
// through the same registered callback.
func (a *Authenticator) redirectURI(r *http.Request) string {
	return scheme(r) + "://" + a.rootDomain + CallbackPath
}

func requestURL(r *http.Request) string {
	return scheme(r) + "://" + r.Host + r.URL.RequestURI()
}

func scheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// profile resolves identity claims for an access token, via the redis
// cache when fresh. The token never leaves this process except toward the
// broker.
func (a *Authenticator) profile(ctx context.Context, sess *sessions.Session, token string) (*Profile, error) {
	tokenKey, _ := sess.Get(sessionTokenKeyKey)
	cacheKey := profileCacheKey(tokenKey, token)

	if raw, err := a.cache.Get(ctx, cacheKey).Result(); err == nil {
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return &p, nil
		}
	}

	p, err := a.fetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(p); err == nil {
		_ = a.cache.Set(ctx, cacheKey, b, profileCacheTTL).Err()
	}
	return p, nil
}

func profileCacheKey(tokenKey, token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sso:profile:" + tokenKey + ":" + hex.EncodeToString(sum[:16])
}

func (a *Authenticator) fetchProfile(ctx context.Context, token string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.meURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sso me endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("sso me endpoint returned %d", resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("sso me payload: %w", err)
	}
	return &p, nil
}
