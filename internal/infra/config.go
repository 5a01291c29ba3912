package infra

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var cacheVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	LogLevel           string
	LogFormat          string
	Port               string
	DatabaseURL        string
	DBMaxConns         int
	RedisURL           string
	SessionSecret      string
	SessionCookie      string
	RequireAuth        bool
	CacheVersion       string
	GeoIPDBPath        string
	FontCacheDir       string
	FontCacheMaxBytes  int64
	FontMemoryBytes    int64
	EmojiFontFamily    string
	GoogleFontsBaseURL string
	FontFetchTimeout   time.Duration
	FontFetchRetries   int
	RasterDisabled     bool
	BackgroundWorkers  int
	BackgroundQueue    int
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSOrigins        []string
	SessionTTL         time.Duration
	ShutdownTimeout    time.Duration
}

// IsProduction reports whether the service runs with production policy.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	appEnv := strings.ToLower(getEnv("APP_ENV", "development"))
	cfg := &Config{
		AppEnv:             appEnv,
		LogLevel:           strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		LogFormat:          strings.TrimSpace(os.Getenv("LOG_FORMAT")),
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBMaxConns:         getEnvInt("DB_MAX_CONNS", 8),
		RedisURL:           os.Getenv("REDIS_URL"),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
		SessionCookie:      getEnv("SESSION_COOKIE", "og_session"),
		RequireAuth:        getEnvBool("REQUIRE_AUTH", appEnv == "production"),
		CacheVersion:       strings.TrimSpace(os.Getenv("CACHE_VERSION")),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		FontCacheDir:       getEnv("FONT_CACHE_DIR", "./var/fonts"),
		FontCacheMaxBytes:  int64(getEnvInt("FONT_CACHE_MAX_MB", 256)) << 20,
		FontMemoryBytes:    int64(getEnvInt("FONT_MEMORY_CACHE_MB", 64)) << 20,
		EmojiFontFamily:    emojiFamily(getEnv("EMOJI_FONT_FAMILY", "Noto Emoji")),
		GoogleFontsBaseURL: strings.TrimRight(getEnv("GOOGLE_FONTS_BASE_URL", "https://fonts.googleapis.com"), "/"),
		FontFetchTimeout:   time.Second * time.Duration(getEnvInt("FONT_FETCH_TIMEOUT_SECONDS", 8)),
		FontFetchRetries:   getEnvInt("FONT_FETCH_RETRIES", 2),
		RasterDisabled:     getEnvBool("RASTER_DISABLED", false),
		BackgroundWorkers:  getEnvInt("BACKGROUND_WORKERS", 2),
		BackgroundQueue:    getEnvInt("BACKGROUND_QUEUE", 256),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS", nil),
		SessionTTL:         time.Hour * time.Duration(getEnvInt("SESSION_TTL_HOURS", 24)),
		ShutdownTimeout:    time.Second * time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 15)),
	}

	if cfg.IsProduction() {
		// the auth policy flag cannot be switched off in production
		cfg.RequireAuth = true
		if cfg.SessionSecret == "" {
			return nil, fmt.Errorf("SESSION_SECRET is required in production")
		}
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if cfg.CacheVersion != "" && !cacheVersionPattern.MatchString(cfg.CacheVersion) {
		return nil, fmt.Errorf("CACHE_VERSION must match %s", cacheVersionPattern.String())
	}

	if cfg.BackgroundWorkers <= 0 {
		cfg.BackgroundWorkers = 1
	}
	if cfg.BackgroundQueue <= 0 {
		cfg.BackgroundQueue = 1
	}
	if cfg.FontFetchRetries < 0 {
		cfg.FontFetchRetries = 0
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// emojiFamily maps "none" to the empty family, which turns emoji lookups off.
func emojiFamily(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "none") {
		return ""
	}
	return v
}
