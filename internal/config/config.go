package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

type HawkSender struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Algorithm string `json:"algorithm"`
}

// ProxyConfig holds everything the edge proxy needs. Keys named in the
// deployment contract are required; missing ones abort startup.
type ProxyConfig struct {
	Port                  int
	UpstreamRoot          string
	ApplicationRootDomain string
	AuthbrokerURL         string
	AuthbrokerClientID    string
	AuthbrokerSecret      string
	RedisURL              string
	BasicAuthUser         string
	BasicAuthPassword     string
	HawkSenders           []HawkSender
	TrustedHops           int
	IPAllowlist           []netip.Prefix

	SessionCookieName   string
	SessionCookieSecure bool
	SessionTTL          time.Duration
	MetricsAddr         string
}

type ControlPlaneConfig struct {
	Addr     string
	RedisURL string

	PostgresAddr     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	WorkerConcurrency int
	ReaperInterval    time.Duration
	ReaperIdleTimeout time.Duration
	MetricsAddr       string
}

func LoadProxy() (*ProxyConfig, error) {
	var missing []string
	req := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	cfg := &ProxyConfig{
		UpstreamRoot:          strings.TrimRight(req("UPSTREAM_ROOT"), "/"),
		ApplicationRootDomain: req("APPLICATION_ROOT_DOMAIN"),
		AuthbrokerURL:         strings.TrimRight(req("AUTHBROKER_URL"), "/"),
		AuthbrokerClientID:    req("AUTHBROKER_CLIENT_ID"),
		AuthbrokerSecret:      req("AUTHBROKER_CLIENT_SECRET"),
		RedisURL:              req("REDIS_URL"),
		BasicAuthUser:         req("METRICS_SERVICE_DISCOVERY_BASIC_AUTH_USER"),
		BasicAuthPassword:     req("METRICS_SERVICE_DISCOVERY_BASIC_AUTH_PASSWORD"),

		SessionCookieName:   getEnv("SESSION_COOKIE_NAME", "data_workspace_session"),
		SessionCookieSecure: getBoolEnv("SESSION_COOKIE_SECURE", true),
		SessionTTL:          getDurationEnv("SESSION_TTL", 12*time.Hour),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
	}

	if raw := req("PROXY_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("PROXY_PORT: %w", err)
		}
		cfg.Port = port
	}

	if raw := req("X_FORWARDED_FOR_TRUSTED_HOPS"); raw != "" {
		hops, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("X_FORWARDED_FOR_TRUSTED_HOPS: %w", err)
		}
		cfg.TrustedHops = hops
	}

	if raw := req("HAWK_SENDERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.HawkSenders); err != nil {
			return nil, fmt.Errorf("HAWK_SENDERS: %w", err)
		}
	}

	if raw := req("APPLICATION_IP_WHITELIST"); raw != "" {
		for _, cidr := range strings.Split(raw, ",") {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
			if err != nil {
				return nil, fmt.Errorf("APPLICATION_IP_WHITELIST: %w", err)
			}
			cfg.IPAllowlist = append(cfg.IPAllowlist, prefix)
		}
	}

	if len(missing) > 0 {
		return nil, errors.New("missing required environment: " + strings.Join(missing, ", "))
	}
	return cfg, nil
}

func LoadControlPlane() (*ControlPlaneConfig, error) {
	var missing []string
	req := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	cfg := &ControlPlaneConfig{
		Addr:     getEnv("CONTROLPLANE_ADDR", ":8000"),
		RedisURL: req("REDIS_URL"),

		PostgresAddr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: req("POSTGRES_PASSWORD"),
		PostgresDB:       getEnv("POSTGRES_DB", "workspace"),

		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 5),
		ReaperInterval:    getDurationEnv("REAPER_INTERVAL", 10*time.Minute),
		ReaperIdleTimeout: getDurationEnv("REAPER_IDLE_TIMEOUT", 2*time.Hour),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9091"),
	}

	if len(missing) > 0 {
		return nil, errors.New("missing required environment: " + strings.Join(missing, ", "))
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
