package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Fan-out
	Concurrency int // max model calls in flight per request, default: 9

	// Burst limiting (requests per minute per identity)
	BurstRPM int64 // default: 60

	// Admin
	AdminToken string // gates /admin routes

	// MockUpstream forces every model call through the canned upstream.
	MockUpstream bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		MockUpstream:         getEnv("MOCK_UPSTREAM", "false") == "true",
	}

	concStr := getEnv("FANOUT_CONCURRENCY", "9")
	conc, err := strconv.Atoi(concStr)
	if err != nil || conc <= 0 {
		return nil, fmt.Errorf("invalid FANOUT_CONCURRENCY: %q", concStr)
	}
	cfg.Concurrency = conc

	rpmStr := getEnv("BURST_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid BURST_RPM: %w", err)
	}
	cfg.BurstRPM = rpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
