package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port string

	AuthToken string

	CheckpointBackend string
	CheckpointDir     string
	DatabaseURL       string

	OpenRouterAPIKey        string
	OpenRouterBaseURL       string
	OpenRouterTimeoutMS     int
	OpenRouterModelPrimary  string
	OpenRouterModelFallback string

	LookupNotesDir        string
	LookupCacheTTLSeconds int
	LookupCacheMaxEntries int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	WorkerEnabled bool

	PipelineConfigPath string
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		CheckpointBackend: strings.ToLower(getEnv("CHECKPOINT_BACKEND", "memory")),
		CheckpointDir:     getEnv("CHECKPOINT_DIR", "data/checkpoints"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),

		OpenRouterAPIKey:        getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:       getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterTimeoutMS:     getEnvInt("OPENROUTER_TIMEOUT_MS", 60000),
		OpenRouterModelPrimary:  getEnv("OPENROUTER_MODEL_PRIMARY", "openai/gpt-4.1"),
		OpenRouterModelFallback: getEnv("OPENROUTER_MODEL_FALLBACK", "openai/gpt-4.1-mini"),

		LookupNotesDir:        getEnv("LOOKUP_NOTES_DIR", ""),
		LookupCacheTTLSeconds: getEnvInt("LOOKUP_CACHE_TTL_SECONDS", 900),
		LookupCacheMaxEntries: getEnvInt("LOOKUP_CACHE_MAX_ENTRIES", 2000),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "longform_runs"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "longform_runs_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "longform_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),

		PipelineConfigPath: getEnv("PIPELINE_CONFIG", ""),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
