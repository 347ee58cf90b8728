package config_test

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"workspace/internal/config"
)

func setProxyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROXY_PORT", "8000")
	t.Setenv("UPSTREAM_ROOT", "http://admin.internal:8001/")
	t.Setenv("APPLICATION_ROOT_DOMAIN", "workspace.test")
	t.Setenv("AUTHBROKER_URL", "https://sso.test/")
	t.Setenv("AUTHBROKER_CLIENT_ID", "client-id")
	t.Setenv("AUTHBROKER_CLIENT_SECRET", "client-secret")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("METRICS_SERVICE_DISCOVERY_BASIC_AUTH_USER", "metrics")
	t.Setenv("METRICS_SERVICE_DISCOVERY_BASIC_AUTH_PASSWORD", "scrape-secret")
	t.Setenv("X_FORWARDED_FOR_TRUSTED_HOPS", "2")
	t.Setenv("HAWK_SENDERS", `[{"id":"scraper","key":"machine-secret","algorithm":"sha256"}]`)
	t.Setenv("APPLICATION_IP_WHITELIST", "10.0.0.0/8, 192.0.2.10/32")
}

func TestLoadProxy(t *testing.T) {
	setProxyEnv(t)

	cfg, err := config.LoadProxy()
	if err != nil {
		t.Fatalf("LoadProxy: %v", err)
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.UpstreamRoot != "http://admin.internal:8001" {
		t.Errorf("UpstreamRoot = %q, trailing slash must be trimmed", cfg.UpstreamRoot)
	}
	if cfg.TrustedHops != 2 {
		t.Errorf("TrustedHops = %d", cfg.TrustedHops)
	}
	if len(cfg.HawkSenders) != 1 || cfg.HawkSenders[0].ID != "scraper" {
		t.Errorf("HawkSenders = %+v", cfg.HawkSenders)
	}
	want := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.0.2.10/32")}
	if len(cfg.IPAllowlist) != len(want) || cfg.IPAllowlist[0] != want[0] || cfg.IPAllowlist[1] != want[1] {
		t.Errorf("IPAllowlist = %v", cfg.IPAllowlist)
	}
	if cfg.SessionCookieName != "data_workspace_session" {
		t.Errorf("SessionCookieName default = %q", cfg.SessionCookieName)
	}
	if cfg.SessionTTL != 12*time.Hour {
		t.Errorf("SessionTTL default = %v", cfg.SessionTTL)
	}
}

func TestLoadProxyReportsAllMissingKeys(t *testing.T) {
	setProxyEnv(t)
	t.Setenv("AUTHBROKER_CLIENT_ID", "")
	t.Setenv("HAWK_SENDERS", "")

	_, err := config.LoadProxy()
	if err == nil {
		t.Fatal("expected error for missing keys")
	}
	for _, key := range []string{"AUTHBROKER_CLIENT_ID", "HAWK_SENDERS"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should name %s", err, key)
		}
	}
}

func TestLoadProxyRejectsBadAllowlist(t *testing.T) {
	setProxyEnv(t)
	t.Setenv("APPLICATION_IP_WHITELIST", "not-a-cidr")

	if _, err := config.LoadProxy(); err == nil {
		t.Error("expected error for malformed CIDR")
	}
}

func TestLoadControlPlaneDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("POSTGRES_PASSWORD", "pg-secret")

	cfg, err := config.LoadControlPlane()
	if err != nil {
		t.Fatalf("LoadControlPlane: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Errorf("Addr default = %q", cfg.Addr)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("WorkerConcurrency default = %d", cfg.WorkerConcurrency)
	}
	if cfg.ReaperIdleTimeout != 2*time.Hour {
		t.Errorf("ReaperIdleTimeout default = %v", cfg.ReaperIdleTimeout)
	}
}

func TestLoadControlPlaneMissingRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("POSTGRES_PASSWORD", "pg-secret")

	_, err := config.LoadControlPlane()
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("err = %v, should name REDIS_URL", err)
	}
}
