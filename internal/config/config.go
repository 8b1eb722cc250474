// Package config loads application configuration from the environment,
// mirroring the reference program's hand-rolled env-with-defaults style.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	HTTP    HTTPConfig
	Store   StoreConfig
	Session SessionConfig
	Limiter LimiterConfig
	Tunnel  TunnelConfig
	Events  EventsConfig
}

// HTTPConfig controls the ingress HTTP server.
type HTTPConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxBodyBytes   int64
	ServerName     string
	PublicBaseURL  string // overrides the tunnel-discovered public URL when set
}

// StoreConfig controls the bbolt-backed Store.
type StoreConfig struct {
	Path string
}

// SessionConfig controls SessionWatch and the Injector.
type SessionConfig struct {
	SocketDir     string
	PollInterval  time.Duration
	InjectTimeout time.Duration
}

// LimiterConfig controls the RateLimiter.
type LimiterConfig struct {
	Window time.Duration
	Cap    int
}

// TunnelConfig controls the TunnelSupervisor.
type TunnelConfig struct {
	Enabled    bool
	Mode       string // "named" or "quick"
	ConfigPath string
	BinDir     string
}

// EventsConfig controls the Event retention sweep.
type EventsConfig struct {
	RetentionDays int
}

// Load reads configuration from the environment, falling back to defaults
// that match the spec's documented constants.
func Load() *Config {
	return &Config{
		HTTP:    defaultHTTPConfig(),
		Store:   defaultStoreConfig(),
		Session: defaultSessionConfig(),
		Limiter: defaultLimiterConfig(),
		Tunnel:  defaultTunnelConfig(),
		Events:  defaultEventsConfig(),
	}
}

func defaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:          envInt("BROKER_PORT", 7842),
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		MaxBodyBytes:  10 << 20, // 10 MiB
		ServerName:    envStr("BROKER_SERVER_NAME", "webhookbroker"),
		PublicBaseURL: envStr("BROKER_PUBLIC_BASE_URL", ""),
	}
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		Path: envStr("BROKER_DB_PATH", "./store/broker.db"),
	}
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		SocketDir:     envStr("BROKER_SOCKET_DIR", "./sessions"),
		PollInterval:  5 * time.Second,
		InjectTimeout: 3 * time.Second,
	}
}

func defaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Window: 60 * time.Second,
		Cap:    envInt("BROKER_RATE_CAP", 100),
	}
}

func defaultTunnelConfig() TunnelConfig {
	home, _ := os.UserHomeDir()
	return TunnelConfig{
		Enabled:    envBool("BROKER_TUNNEL_ENABLED", false),
		Mode:       envStr("BROKER_TUNNEL_MODE", "quick"),
		ConfigPath: envStr("BROKER_TUNNEL_CONFIG", home+"/.config/cloudflared/config.yml"),
		BinDir:     envStr("BROKER_TUNNEL_BIN_DIR", "./support/bin"),
	}
}

func defaultEventsConfig() EventsConfig {
	return EventsConfig{
		RetentionDays: envInt("BROKER_EVENT_RETENTION_DAYS", 30),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
