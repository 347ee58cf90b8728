package sessions_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"workspace/internal/sessions"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) (*sessions.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return sessions.NewStore(cache, "data_workspace_session", "workspace.test", false, time.Hour, logger), mr
}

func cookieFromRecorder(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 Set-Cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "http://workspace.test/", nil)
	sess := store.Load(ctx, req)
	if _, ok := sess.Get("sso_access_token"); ok {
		t.Fatal("fresh session should be empty")
	}

	sess.Set("sso_access_token", "tok-123")
	rec := httptest.NewRecorder()
	if err := sess.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cookie := cookieFromRecorder(t, rec)
	if !cookie.HttpOnly {
		t.Error("cookie must be HttpOnly")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Error("cookie must be SameSite=Lax")
	}

	again := httptest.NewRequest(http.MethodGet, "http://workspace.test/", nil)
	again.AddCookie(cookie)
	loaded := store.Load(ctx, again)
	if v, _ := loaded.Get("sso_access_token"); v != "tok-123" {
		t.Errorf("reloaded value = %q, want %q", v, "tok-123")
	}
}

func TestSaveWithoutWritesSetsNoCookie(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	sess := store.Load(ctx, httptest.NewRequest(http.MethodGet, "http://workspace.test/", nil))
	rec := httptest.NewRecorder()
	if err := sess.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("untouched session should not set a cookie")
	}
}

func TestRotateIssuesFreshCookieAndDropsOldKey(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	sess := store.Load(ctx, httptest.NewRequest(http.MethodGet, "http://workspace.test/", nil))
	sess.Set("sso_access_token", "tok-123")
	rec := httptest.NewRecorder()
	if err := sess.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	oldCookie := cookieFromRecorder(t, rec)

	req := httptest.NewRequest(http.MethodGet, "http://workspace.test/", nil)
	req.AddCookie(oldCookie)
	sess = store.Load(ctx, req)
	if err := sess.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	rec = httptest.NewRecorder()
	if err := sess.Save(ctx, rec); err != nil {
		t.Fatalf("Save after rotate: %v", err)
	}

	newCookie := cookieFromRecorder(t, rec)
	if newCookie.Value == oldCookie.Value {
		t.Error("rotation must change the cookie value")
	}
	if mr.Exists("session:" + oldCookie.Value) {
		t.Error("rotated-away session key must be deleted")
	}

	req = httptest.NewRequest(http.MethodGet, "http://workspace.test/", nil)
	req.AddCookie(newCookie)
	if v, _ := store.Load(ctx, req).Get("sso_access_token"); v != "tok-123" {
		t.Error("values must survive rotation")
	}
}

func TestLoadUnknownCookieIsEmpty(t *testing.T) {
	store, _ := newStore(t)
	req := httptest.NewRequest(http.MethodGet, "http://workspace.test/", nil)
	req.AddCookie(&http.Cookie{Name: "data_workspace_session", Value: "deadbeef"})

	sess := store.Load(context.Background(), req)
	if _, ok := sess.Get("anything"); ok {
		t.Error("unknown cookie should load an empty session")
	}
}
