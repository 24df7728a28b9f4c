// Package config declares the daemon's own process configuration —
// listen addresses, storage selection, secret material — as a flat
// struct populated from cobra flags that fall back to environment
// variables, following the teacher's cmd/server/main.go config struct.
// Per-agent configuration (the InstantiationEntry.params tree) is not
// this package's concern; that stays an opaque JSON blob decoded by
// each agent's own Configure method.
package config

import "os"

// Config holds every flag/env-backed setting agentrtd needs to boot.
type Config struct {
	HTTPAddr  string // HTTP JSON-RPC + admin listen address
	SelfBase  string // this process's own advertised base URL, e.g. "http://127.0.0.1:8080"
	LogLevel  string // debug, info, warn, error

	StateBackend string // "mem", "bolt", or "sql"
	BoltPath     string
	SQLDriver    string // "sqlite" or "postgres"
	SQLDSN       string

	EnableWS bool // also mount the WebSocket transport alongside HTTP

	AdminBootstrapEmail    string
	AdminBootstrapPassword string
	AdminJWTIssuer         string
	AdminCookieSecure      bool // mark admin session cookies Secure; set true behind TLS

	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	OIDCScopes       string
}

// Defaults returns a Config with the same defaults the cobra flags in
// cmd/agentrtd fall back to when neither a flag nor its env var is set.
func Defaults() Config {
	return Config{
		HTTPAddr:       EnvOrDefault("AGENTRT_HTTP_ADDR", ":8080"),
		SelfBase:       EnvOrDefault("AGENTRT_SELF_BASE", "http://127.0.0.1:8080"),
		LogLevel:       EnvOrDefault("AGENTRT_LOG_LEVEL", "info"),
		StateBackend:   EnvOrDefault("AGENTRT_STATE_BACKEND", "mem"),
		BoltPath:       EnvOrDefault("AGENTRT_BOLT_PATH", "./agentrt.db"),
		SQLDriver:      EnvOrDefault("AGENTRT_SQL_DRIVER", "sqlite"),
		SQLDSN:         EnvOrDefault("AGENTRT_SQL_DSN", "./agentrt.sqlite"),
		AdminJWTIssuer: EnvOrDefault("AGENTRT_ADMIN_JWT_ISSUER", "agentrtd"),
	}
}

// EnvOrDefault returns the environment variable key's value if set and
// non-empty, else defaultVal — the teacher's envOrDefault helper.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
