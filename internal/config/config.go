// Package config provides environment-based configuration management
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DBConfig holds database connection parameters
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RedisConfig holds Redis connection parameters
type RedisConfig struct {
	Addr string // Format: host:port
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Port       int
	WSSecret   string // Guards the realtime websocket endpoint
	SuccessURL string // Owner-facing redirect after OAuth success
	FailureURL string // Owner-facing redirect on OAuth failure
}

// PlatformConfig holds the external platform app credentials.
type PlatformConfig struct {
	AppID         string
	AppSecret     string // HMAC key for webhook signatures + code exchange
	VerifyToken   string // Webhook verification handshake
	RedirectURI   string
	GraphBaseURL  string
	APIVersion    string
	OAuthDialog   string
	Scopes        []string
	StateSecret   string        // Signs the OAuth state parameter
	StateValidity time.Duration // Acceptance window for state tokens
}

// CryptoConfig holds secrets for token encryption at rest.
type CryptoConfig struct {
	TokenSecret string
}

// Config aggregates all configuration sections
type Config struct {
	DB       DBConfig
	Redis    RedisConfig
	App      AppConfig
	Platform PlatformConfig
	Crypto   CryptoConfig

	ReconcileInterval time.Duration
}

// LoadConfig reads configuration from environment variables. A .env file is
// loaded first when present (development convenience); real environments set
// variables directly. Returns an error if critical variables are missing.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Database Configuration
	cfg.DB.Host = getEnv("DB_HOST", "bridge_db")
	cfg.DB.Port = getEnvAsInt("DB_PORT", 3306)
	cfg.DB.User = getEnv("DB_USER", "root")
	cfg.DB.Password = getEnv("DB_PASS", "")
	cfg.DB.Database = getEnv("DB_NAME", "connect_bridge")

	if cfg.DB.Password == "" {
		return nil, fmt.Errorf("DB_PASS environment variable is required")
	}

	// Redis Configuration
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "bridge_redis:6379")

	// Application Configuration
	cfg.App.Port = getEnvAsInt("APP_PORT", 8080)
	cfg.App.WSSecret = getEnv("WS_SECRET", "")
	cfg.App.SuccessURL = getEnv("OAUTH_SUCCESS_URL", "/connect/success")
	cfg.App.FailureURL = getEnv("OAUTH_FAILURE_URL", "/connect/error")

	// Platform Configuration
	cfg.Platform.AppID = getEnv("FB_APP_ID", "")
	cfg.Platform.AppSecret = getEnv("FB_APP_SECRET", "")
	cfg.Platform.VerifyToken = getEnv("FB_VERIFY_TOKEN", "")
	cfg.Platform.RedirectURI = getEnv("FB_REDIRECT_URI", "")
	cfg.Platform.GraphBaseURL = getEnv("FB_GRAPH_BASE_URL", "https://graph.facebook.com")
	cfg.Platform.APIVersion = getEnv("FB_API_VERSION", "v19.0")
	cfg.Platform.OAuthDialog = getEnv("FB_OAUTH_DIALOG_URL", "https://www.facebook.com/v19.0/dialog/oauth")
	cfg.Platform.Scopes = splitList(getEnv("FB_OAUTH_SCOPES", "pages_show_list,pages_messaging"))
	cfg.Platform.StateSecret = getEnv("OAUTH_STATE_SECRET", "")
	cfg.Platform.StateValidity = time.Duration(getEnvAsInt("OAUTH_STATE_TTL_MINUTES", 15)) * time.Minute

	// Crypto Configuration
	cfg.Crypto.TokenSecret = getEnv("TOKEN_ENC_SECRET", "")

	cfg.ReconcileInterval = time.Duration(getEnvAsInt("RECONCILE_INTERVAL_MINUTES", 30)) * time.Minute

	// Validate critical platform credentials
	if cfg.Platform.AppID == "" {
		return nil, fmt.Errorf("FB_APP_ID environment variable is required")
	}
	if cfg.Platform.AppSecret == "" {
		return nil, fmt.Errorf("FB_APP_SECRET environment variable is required")
	}
	if cfg.Platform.VerifyToken == "" {
		return nil, fmt.Errorf("FB_VERIFY_TOKEN environment variable is required")
	}
	if cfg.Platform.StateSecret == "" {
		return nil, fmt.Errorf("OAUTH_STATE_SECRET environment variable is required")
	}
	if cfg.Crypto.TokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_ENC_SECRET environment variable is required")
	}

	return cfg, nil
}

// GetDSN returns MariaDB connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// getEnv reads environment variable with fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads environment variable as integer with fallback default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// splitList parses a comma-separated env value.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
