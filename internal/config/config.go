// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved server configuration.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR"`
	ListenPort string `env:"LISTEN_PORT"`
	BaseURL    string `env:"BASE_URL"`

	DatabaseURL string `env:"DATABASE_URL"`

	StoragePath           string `env:"STORAGE_PATH"`
	ObjectStoreEndpoint   string `env:"OBJECT_STORE_ENDPOINT"`
	ObjectStoreBucket     string `env:"OBJECT_STORE_BUCKET"`
	ObjectStoreRegion     string `env:"OBJECT_STORE_REGION"`
	ObjectStoreAccessKey  string `env:"OBJECT_STORE_ACCESS_KEY"`
	ObjectStoreSecretKey  string `env:"OBJECT_STORE_SECRET_KEY"`
	CacheObjectStoreBucket string `env:"CACHE_OBJECT_STORE_BUCKET"`

	RequirePublishAuth  bool `env:"REQUIRE_PUBLISH_AUTH"`
	RequireDownloadAuth bool `env:"REQUIRE_DOWNLOAD_AUTH"`

	MaxUploadSizeBytes int64         `env:"MAX_UPLOAD_SIZE_BYTES"`
	SignedURLTTL       time.Duration `env:"SIGNED_URL_TTL_SECONDS"`

	UpstreamURL         string `env:"UPSTREAM_URL"`
	EnableUpstreamProxy bool   `env:"ENABLE_UPSTREAM_PROXY"`

	RateLimitRequests      int           `env:"RATE_LIMIT_REQUESTS"`
	RateLimitWindowSeconds time.Duration `env:"RATE_LIMIT_WINDOW_SECONDS"`

	AdminIPWhitelist  []string `env:"ADMIN_IP_WHITELIST"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`

	Version string `env:"REPUB_VERSION"`
	GitHash string `env:"REPUB_GIT_HASH"`

	WebDir   string `env:"WEB_DIR"`
	AdminDir string `env:"ADMIN_DIR"`

	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// Load reads configuration from the environment, falling back to .env when
// present (ignored silently when absent, matching local-dev bootstrap in
// the teacher's InitLocalEnvConfig).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:             envFallback(os.Getenv("LISTEN_ADDR"), "0.0.0.0"),
		ListenPort:             envFallback(os.Getenv("LISTEN_PORT"), "8080"),
		BaseURL:                os.Getenv("BASE_URL"),
		DatabaseURL:            envFallback(os.Getenv("DATABASE_URL"), "bolt://./data/repub.db"),
		StoragePath:            envFallback(os.Getenv("STORAGE_PATH"), "./data/blobs"),
		ObjectStoreEndpoint:    os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreBucket:      os.Getenv("OBJECT_STORE_BUCKET"),
		ObjectStoreRegion:      envFallback(os.Getenv("OBJECT_STORE_REGION"), "us-east-1"),
		ObjectStoreAccessKey:   os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey:   os.Getenv("OBJECT_STORE_SECRET_KEY"),
		CacheObjectStoreBucket: envFallback(os.Getenv("CACHE_OBJECT_STORE_BUCKET"), os.Getenv("OBJECT_STORE_BUCKET")),
		RequirePublishAuth:     envFallbackBool(os.Getenv("REQUIRE_PUBLISH_AUTH"), true),
		RequireDownloadAuth:    envFallbackBool(os.Getenv("REQUIRE_DOWNLOAD_AUTH"), false),
		MaxUploadSizeBytes:     envFallbackInt64(os.Getenv("MAX_UPLOAD_SIZE_BYTES"), 100*1024*1024),
		SignedURLTTL:           time.Duration(envFallbackInt(mustAtoiOrZero(os.Getenv("SIGNED_URL_TTL_SECONDS")), 3600)) * time.Second,
		UpstreamURL:            os.Getenv("UPSTREAM_URL"),
		EnableUpstreamProxy:    envFallbackBool(os.Getenv("ENABLE_UPSTREAM_PROXY"), false),
		RateLimitRequests:      envFallbackInt(mustAtoiOrZero(os.Getenv("RATE_LIMIT_REQUESTS")), 100),
		RateLimitWindowSeconds: time.Duration(envFallbackInt(mustAtoiOrZero(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")), 60)) * time.Second,
		AdminIPWhitelist:       splitCSV(os.Getenv("ADMIN_IP_WHITELIST")),
		CORSAllowedOrigins:     splitCSV(envFallback(os.Getenv("CORS_ALLOWED_ORIGINS"), "*")),
		Version:                envFallback(os.Getenv("REPUB_VERSION"), "dev"),
		GitHash:                os.Getenv("REPUB_GIT_HASH"),
		WebDir:                 os.Getenv("WEB_DIR"),
		AdminDir:               os.Getenv("ADMIN_DIR"),
		RedisURL:               os.Getenv("REDIS_URL"),
		RabbitMQURL:            os.Getenv("RABBITMQ_URL"),
		LogLevel:               envFallback(os.Getenv("LOG_LEVEL"), "info"),
		LogFormat:              envFallback(os.Getenv("LOG_FORMAT"), "json"),
	}

	return cfg, nil
}

// envFallback returns prefixed when non-empty, fallback otherwise.
func envFallback(prefixed, fallback string) string {
	if prefixed != "" {
		return prefixed
	}
	return fallback
}

// envFallbackInt returns prefixed when non-zero, fallback otherwise.
func envFallbackInt(prefixed, fallback int) int {
	if prefixed != 0 {
		return prefixed
	}
	return fallback
}

func envFallbackInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFallbackBool(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

func mustAtoiOrZero(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
