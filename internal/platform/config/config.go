package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. FromEnv builds it from
// environment variables so main stays lean.
type Server struct {
	Addr     string
	LogLevel string

	// Collaborator endpoints.
	FaceServiceURL  string
	IPFSAPIURL      string
	LedgerURL       string
	LedgerProjectID string

	// WalletAddress identifies the submitting wallet; its blake2b hash is
	// carried in every ledger payload as the owner.
	WalletAddress string

	// Confirmation polling policy for ledger submissions.
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// ReconcileInterval enables the background sweep for transactions that
	// confirmed after their stage was abandoned. Zero disables it.
	ReconcileInterval time.Duration

	PostgresURL string
	Redis       RedisConfig
	Kafka       KafkaConfig

	JWTSigningKey string
}

// RedisConfig holds connection settings for the optional status read cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CacheTTL     time.Duration
}

// KafkaConfig holds settings for the optional audit event publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	return Server{
		Addr:     envOr("FACEDID_ADDR", ":8080"),
		LogLevel: envOr("FACEDID_LOG_LEVEL", "info"),

		FaceServiceURL:  envOr("FACE_SERVICE_URL", "http://localhost:8500"),
		IPFSAPIURL:      envOr("IPFS_API_URL", "http://localhost:5001"),
		LedgerURL:       envOr("LEDGER_API_URL", "https://cardano-preprod.blockfrost.io/api/v0"),
		LedgerProjectID: os.Getenv("LEDGER_PROJECT_ID"),

		WalletAddress: os.Getenv("WALLET_ADDRESS"),

		ConfirmTimeout:      envDuration("CONFIRM_TIMEOUT", 30*time.Second),
		ConfirmPollInterval: envDuration("CONFIRM_POLL_INTERVAL", 2*time.Second),
		ReconcileInterval:   envDuration("RECONCILE_INTERVAL", 0),

		PostgresURL: os.Getenv("POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			CacheTTL:     envDuration("REDIS_CACHE_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			Topic:   envOr("KAFKA_AUDIT_TOPIC", "facedid.lifecycle.audit"),
		},

		// Use a default for development - should be overridden in production
		JWTSigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
