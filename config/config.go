// Package config loads runtime configuration from the environment.
// A local .env file is honored when present so development setups match
// the deployed environment variable surface.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Supported embedding / generation providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// EmbeddingConfig selects the embedding provider and model.
type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
}

// LLMConfig selects the generation provider and model.
type LLMConfig struct {
	Provider string
	Model    string
}

type Config struct {
	// AlphaVantageKey authenticates against the market-data API. Required
	// for index builds; answering queries works without it.
	AlphaVantageKey string

	PostgresDSN string
	Collection  string
	HTTPAddr    string

	Embeddings EmbeddingConfig
	LLM        LLMConfig

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// TopK is the default number of chunks retrieved per query.
	TopK int

	// ChunkSize and ChunkOverlap are reserved for a future splitting
	// chunker; the identity chunker used for API passages ignores them.
	ChunkSize    int
	ChunkOverlap int

	// RateLimitSleep is the pause between retries after the market-data
	// API signals throttling (free tier allows roughly 5 requests/min).
	RateLimitSleep time.Duration

	// MinRequestInterval paces outgoing market-data requests. Zero
	// disables pacing.
	MinRequestInterval time.Duration
}

func Load() Config {
	_ = godotenv.Load()

	return Config{
		AlphaVantageKey: getEnv("ALPHA_VANTAGE_KEY", ""),
		PostgresDSN:     getEnv("POSTGRES_DSN", "postgres://localhost:5432/market-rag?sslmode=disable"),
		Collection:      getEnv("COLLECTION", "docs"),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		Embeddings: EmbeddingConfig{
			Provider:  getEnv("EMBEDDINGS_PROVIDER", ProviderOllama),
			Model:     getEnv("EMBEDDINGS_MODEL", "nomic-embed-text"),
			Dimension: getEnvInt("EMBEDDINGS_DIMENSION", 768),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOllama),
			Model:    getEnv("LLM_MODEL", "llama3.1:8b"),
		},
		OllamaHost:         getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		TopK:               getEnvInt("TOP_K", 4),
		ChunkSize:          getEnvInt("CHUNK_SIZE", 600),
		ChunkOverlap:       getEnvInt("CHUNK_OVERLAP", 120),
		RateLimitSleep:     getEnvSeconds("AV_RATE_LIMIT_SLEEP", 13),
		MinRequestInterval: getEnvSeconds("AV_MIN_REQUEST_INTERVAL", 0),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
