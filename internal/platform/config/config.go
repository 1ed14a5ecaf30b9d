// Package config builds the issuer server configuration from environment
// variables so main stays lean. The agent daemon uses its own file-based
// config under internal/agent/config.
package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures the central issuer's configuration.
type Server struct {
	Addr string

	// PostgresURL points at the durable store holding token_nonces,
	// credential_requests, credential_approvals, and the audit outbox.
	PostgresURL string

	// RedisURL optionally selects the Redis nonce store for multi-replica
	// deployments. Empty means the Postgres store is used.
	RedisURL string

	// SigningKeyPath holds the server MAC key used over token payloads.
	// The process refuses to start when the file is unreadable.
	SigningKeyPath string

	// ApproverKeyDir holds approver public keys, one PEM per approver ID.
	ApproverKeyDir string

	TokenTTL     time.Duration
	RequestSLA   time.Duration
	CleanupEvery time.Duration
	LogLevel     string
	KafkaBrokers string
	KafkaTopic   string
}

// FromEnv reads the server config, applying development defaults for
// everything except the signing key path, which has no safe default.
func FromEnv() Server {
	return Server{
		Addr:           envOr("BREAKGLASS_ADDR", ":8443"),
		PostgresURL:    envOr("BREAKGLASS_POSTGRES_URL", ""),
		RedisURL:       envOr("BREAKGLASS_REDIS_URL", ""),
		SigningKeyPath: envOr("BREAKGLASS_SIGNING_KEY", ""),
		ApproverKeyDir: envOr("BREAKGLASS_APPROVER_KEY_DIR", "keys/approvers"),
		TokenTTL:       envDuration("BREAKGLASS_TOKEN_TTL", 5*time.Minute),
		RequestSLA:     envDuration("BREAKGLASS_REQUEST_SLA", 2*time.Minute),
		CleanupEvery:   envDuration("BREAKGLASS_CLEANUP_EVERY", time.Minute),
		LogLevel:       envOr("BREAKGLASS_LOG_LEVEL", "info"),
		KafkaBrokers:   envOr("BREAKGLASS_KAFKA_BROKERS", ""),
		KafkaTopic:     envOr("BREAKGLASS_KAFKA_TOPIC", "breakglass.audit"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
