package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	DBMaxConns       int
	JWTSecret        string
	GeoIPDBPath      string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	SerperAPIKey     string
	SerperBaseURL    string
	ScrapeBaseURL    string
	LLMTimeout       time.Duration
	SearchTimeout    time.Duration
	TurnTimeout      time.Duration
	TurnWorkers      int
	SearchFanout     int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 10),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		SerperAPIKey:     os.Getenv("SERPER_API_KEY"),
		SerperBaseURL:    getEnv("SERPER_BASE_URL", "https://google.serper.dev"),
		ScrapeBaseURL:    getEnv("SCRAPE_BASE_URL", "https://scrape.serper.dev"),
		LLMTimeout:       time.Second * time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 90)),
		SearchTimeout:    time.Second * time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 20)),
		TurnTimeout:      time.Second * time.Duration(getEnvInt("TURN_TIMEOUT_SECONDS", 240)),
		TurnWorkers:      getEnvInt("TURN_WORKERS", 8),
		SearchFanout:     getEnvInt("SEARCH_FANOUT", 5),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	if cfg.SerperAPIKey == "" {
		return nil, fmt.Errorf("SERPER_API_KEY is required")
	}

	if cfg.TurnWorkers <= 0 {
		cfg.TurnWorkers = 1
	}

	if cfg.DBMaxConns <= 0 {
		cfg.DBMaxConns = 1
	}

	return cfg, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
