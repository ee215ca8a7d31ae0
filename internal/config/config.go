package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストレージバックエンド
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Redirect
	DashboardURL string
	AuthURL      string

	// Auth Service
	AuthServiceURL    string
	AuthServiceAPIKey string

	// Storage
	StorageBackend string
	DatabaseURL    string
	RedisURL       string
	StorageKey     string

	// Session
	SessionReadyTimeout time.Duration
	NavigateTimeout     time.Duration

	// Token refresh
	TokenAutoRefresh     bool
	TokenRefreshInterval time.Duration
	TokenRefreshMargin   time.Duration

	// Rate Limit
	RateLimitAuth int

	// Cleanup
	VerifierRetention time.Duration
	CleanupInterval   time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string

	// Providers
	ProvidersFile string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DashboardURL = os.Getenv("DASHBOARD_URL")
	if cfg.DashboardURL == "" {
		missing = append(missing, "DASHBOARD_URL")
	}

	cfg.AuthURL = os.Getenv("AUTH_URL")
	if cfg.AuthURL == "" {
		missing = append(missing, "AUTH_URL")
	}

	cfg.AuthServiceURL = os.Getenv("AUTH_SERVICE_URL")
	if cfg.AuthServiceURL == "" {
		missing = append(missing, "AUTH_SERVICE_URL")
	}

	cfg.AuthServiceAPIKey = os.Getenv("AUTH_SERVICE_API_KEY")
	if cfg.AuthServiceAPIKey == "" {
		missing = append(missing, "AUTH_SERVICE_API_KEY")
	}

	cfg.StorageBackend = strings.ToLower(getEnvString("STORAGE_BACKEND", StorageMemory))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	switch cfg.StorageBackend {
	case StorageMemory:
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StorageRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND: %q", cfg.StorageBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.StorageKey = getEnvString("STORAGE_KEY", "sb-auth-token")
	cfg.SessionReadyTimeout = getEnvDuration("SESSION_READY_TIMEOUT", 10*time.Second)
	cfg.NavigateTimeout = getEnvDuration("NAVIGATE_TIMEOUT", 5*time.Second)
	cfg.TokenAutoRefresh = getEnvBool("TOKEN_AUTO_REFRESH", true)
	cfg.TokenRefreshInterval = getEnvDuration("TOKEN_REFRESH_INTERVAL", 30*time.Second)
	cfg.TokenRefreshMargin = getEnvDuration("TOKEN_REFRESH_MARGIN", 60*time.Second)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.VerifierRetention = getEnvDuration("VERIFIER_RETENTION", 10*time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.AuthURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", originOf(cfg.DashboardURL))
	cfg.ProvidersFile = os.Getenv("PROVIDERS_FILE")

	return cfg, nil
}

// originOf はURLのオリジン（scheme://host）を返す。解釈できない場合は空文字。
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
