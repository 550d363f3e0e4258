// Package config は起動時の設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis（空の場合はインメモリキャッシュ）
	RedisURL string `koanf:"redis_url"`

	// OAuth
	GoogleClientID     string `koanf:"google_client_id"`
	GoogleClientSecret string `koanf:"google_client_secret"`
	GoogleRedirectURL  string `koanf:"google_redirect_url"`

	// Session
	SessionSecret   string        `koanf:"session_secret"`
	SessionMaxAge   int           `koanf:"session_max_age"`
	SessionCacheTTL time.Duration `koanf:"session_cache_ttl"`

	// Auth
	AuthCheckTimeout         time.Duration `koanf:"auth_check_timeout"`
	RequireEmailConfirmation bool          `koanf:"require_email_confirmation"`

	// Rate Limit（req/min）
	RateLimitGeneral int `koanf:"rate_limit_general"`
	RateLimitSignIn  int `koanf:"rate_limit_sign_in"`

	// Worker
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// Logging
	LogLevel string `koanf:"log_level"`

	// Server
	ServerPort string `koanf:"server_port"`
	BaseURL    string `koanf:"base_url"`

	// Cookie
	CookieSecure bool   `koanf:"-"`
	CookieDomain string `koanf:"cookie_domain"`

	// CORS
	CORSAllowedOrigin string `koanf:"cors_allowed_origin"`
}

// minSessionSecretLength はSESSION_SECRETに要求する最小バイト数。
const minSessionSecretLength = 32

// placeholderSecrets はサンプル設定からコピーされがちなダミー値。
// これらが設定されている場合はプレースホルダーのまま起動しない。
var placeholderSecrets = map[string]struct{}{
	"your-anon-key":       {},
	"your-session-secret": {},
	"changeme":            {},
	"secret":              {},
}

// envKeyMap は環境変数名と設定キーの対応表。
// ここに無い環境変数は読み込まない。
var envKeyMap = map[string]string{
	"DATABASE_URL":               "database_url",
	"REDIS_URL":                  "redis_url",
	"GOOGLE_CLIENT_ID":           "google_client_id",
	"GOOGLE_CLIENT_SECRET":       "google_client_secret",
	"GOOGLE_REDIRECT_URL":        "google_redirect_url",
	"SESSION_SECRET":             "session_secret",
	"SESSION_MAX_AGE":            "session_max_age",
	"SESSION_CACHE_TTL":          "session_cache_ttl",
	"AUTH_CHECK_TIMEOUT":         "auth_check_timeout",
	"REQUIRE_EMAIL_CONFIRMATION": "require_email_confirmation",
	"RATE_LIMIT_GENERAL":         "rate_limit_general",
	"RATE_LIMIT_SIGN_IN":         "rate_limit_sign_in",
	"CLEANUP_INTERVAL":           "cleanup_interval",
	"LOG_LEVEL":                  "log_level",
	"SERVER_PORT":                "server_port",
	"BASE_URL":                   "base_url",
	"COOKIE_DOMAIN":              "cookie_domain",
	"CORS_ALLOWED_ORIGIN":        "cors_allowed_origin",
}

// requiredKeys は必須設定キーと対応する環境変数名。
var requiredKeys = map[string]string{
	"database_url":         "DATABASE_URL",
	"google_client_id":     "GOOGLE_CLIENT_ID",
	"google_client_secret": "GOOGLE_CLIENT_SECRET",
	"session_secret":       "SESSION_SECRET",
	"base_url":             "BASE_URL",
}

// Load はデフォルト値、YAMLファイル、環境変数の順に設定を重ねて読み込む。
// pathが空の場合はCONFIG_FILE環境変数を参照し、それも空ならファイルは読まない。
// 必須設定が未設定の場合は不足している環境変数名をすべて列挙したエラーを返す。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. デフォルト値
	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. 設定ファイル（任意）
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// 3. 環境変数
	if err := k.Load(env.Provider("", ".", envKeyReplacer), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// 4. 必須項目チェック
	var missing []string
	for key, envName := range requiredKeys {
		if strings.TrimSpace(k.String(key)) == "" {
			missing = append(missing, envName)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	// 派生値
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = cfg.BaseURL + "/auth/callback"
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"session_max_age":            86400,
		"session_cache_ttl":          "5m",
		"auth_check_timeout":         "5s",
		"require_email_confirmation": false,
		"rate_limit_general":         120,
		"rate_limit_sign_in":         10,
		"cleanup_interval":           "24h",
		"log_level":                  "info",
		"server_port":                "8080",
		"cookie_domain":              "",
		"cors_allowed_origin":        "http://localhost:3000",
	}

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

func envKeyReplacer(s string) string {
	if mapped, ok := envKeyMap[s]; ok {
		return mapped
	}
	return ""
}

// validate は値の妥当性を検証する。
func validate(c *Config) error {
	if _, ok := placeholderSecrets[strings.ToLower(c.SessionSecret)]; ok {
		return fmt.Errorf("SESSION_SECRET is set to a placeholder value")
	}
	if len(c.SessionSecret) < minSessionSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLength)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BASE_URL must start with http:// or https://")
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive")
	}
	if c.AuthCheckTimeout <= 0 {
		return fmt.Errorf("AUTH_CHECK_TIMEOUT must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitSignIn <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.CORSAllowedOrigin == "*" {
		return fmt.Errorf("CORS_ALLOWED_ORIGIN cannot be '*' because credentials are allowed")
	}
	return nil
}

// SessionMaxAgeDuration はSESSION_MAX_AGEをtime.Durationで返す。
func (c *Config) SessionMaxAgeDuration() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}
