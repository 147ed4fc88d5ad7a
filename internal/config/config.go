package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings resolved from the environment.
type Config struct {
	AppEnv   string
	LogLevel string

	HTTPListenAddr   string
	HTTPBasePath     string
	MetricsNamespace string

	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	SearchBaseURL  string
	SearchAPIKey   string
	SearchTimeout  time.Duration
	MinSimilarity  float64
	MatchCount     int
	EmbedCacheTTL  time.Duration

	GeminiAPIKeys  []string
	GeminiModel    string
	GeminiTimeout  time.Duration
	GeminiCooldown time.Duration
	GeminiRetries  int

	// Safety layer knobs.
	UserRateMax      int
	UserRateWindow   time.Duration
	GlobalRateMax    int
	GlobalRateWindow time.Duration
	ReplayTTL        time.Duration
	ResponseCacheTTL time.Duration
	CoalesceWindow   time.Duration
	CoalesceSettle   time.Duration
	MaxEventAge      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Load reads configuration from environment variables and validates the
// settings the process cannot start without.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		HTTPBasePath:     os.Getenv("HTTP_BASE_PATH"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "shopbot"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTLS:      getEnvBool("REDIS_TLS", false),

		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/wa.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "WARN"),

		SearchBaseURL: os.Getenv("SEARCH_BASE_URL"),
		SearchAPIKey:  os.Getenv("SEARCH_API_KEY"),
		SearchTimeout: getEnvDuration("SEARCH_TIMEOUT", 8*time.Second),
		MinSimilarity: getEnvFloat("SEARCH_MIN_SIMILARITY", 0.35),
		MatchCount:    getEnvInt("SEARCH_MATCH_COUNT", 5),
		EmbedCacheTTL: getEnvDuration("EMBED_CACHE_TTL", 30*time.Minute),

		GeminiAPIKeys:  splitList(os.Getenv("GEMINI_API_KEYS")),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiTimeout:  getEnvDuration("GEMINI_TIMEOUT", 12*time.Second),
		GeminiCooldown: getEnvDuration("GEMINI_COOLDOWN", 2*time.Minute),
		GeminiRetries:  getEnvInt("GEMINI_RETRIES", 2),

		UserRateMax:      getEnvInt("USER_RATE_MAX", 8),
		UserRateWindow:   getEnvDuration("USER_RATE_WINDOW", 10*time.Second),
		GlobalRateMax:    getEnvInt("GLOBAL_RATE_MAX", 200),
		GlobalRateWindow: getEnvDuration("GLOBAL_RATE_WINDOW", 10*time.Second),
		ReplayTTL:        getEnvDuration("REPLAY_TTL", 10*time.Minute),
		ResponseCacheTTL: getEnvDuration("RESPONSE_CACHE_TTL", 5*time.Minute),
		CoalesceWindow:   getEnvDuration("COALESCE_WINDOW", 1200*time.Millisecond),
		CoalesceSettle:   getEnvDuration("COALESCE_SETTLE", 400*time.Millisecond),
		MaxEventAge:      getEnvDuration("MAX_EVENT_AGE", 3*time.Minute),
		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 45*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SearchBaseURL == "" {
		return nil, fmt.Errorf("SEARCH_BASE_URL is required")
	}
	if len(cfg.GeminiAPIKeys) == 0 {
		return nil, fmt.Errorf("GEMINI_API_KEYS is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
