package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGemini    = "gemini"
	ProviderWhisper   = "whisper"
	ProviderTranslate = "gtts"
	ProviderOpenAI    = "openai"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Gemini AI
	GeminiAPIKey          string
	GeminiModel           string
	GeminiTranscribeModel string
	GeminiConcurrentReqs  int

	// Speech
	STTProvider string
	TTSProvider string
	TTSLanguage string
	TTSEndpoint string
	TTSTimeout  time.Duration

	// OpenAI (only when a speech provider uses it)
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIVoice   string

	// Sessions
	SessionSecret  string
	SessionIdleTTL time.Duration

	// Limits
	MaxClipBytes      int
	TurnRatePerMinute int

	// Optional backends
	RedisURL    string
	DatabaseURL string

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		GeminiAPIKey:         mustGetEnv("GEMINI_API_KEY"),
		GeminiModel:          getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		STTProvider:          getEnvOrDefault("STT_PROVIDER", ProviderGemini),
		TTSProvider:          getEnvOrDefault("TTS_PROVIDER", ProviderTranslate),
		TTSLanguage:          getEnvOrDefault("TTS_LANGUAGE", "en"),
		TTSEndpoint:          getEnvOrDefault("TTS_ENDPOINT", ""),
		TTSTimeout:           getEnvAsDurationOrDefault("TTS_TIMEOUT", 30*time.Second),
		OpenAIBaseURL:        getEnvOrDefault("OPENAI_BASE_URL", ""),
		OpenAIVoice:          getEnvOrDefault("OPENAI_VOICE", "alloy"),
		SessionSecret:        getEnvOrDefault("SESSION_SECRET", ""),
		SessionIdleTTL:       getEnvAsDurationOrDefault("SESSION_IDLE_TTL", 30*time.Minute),
		MaxClipBytes:         getEnvAsIntOrDefault("MAX_CLIP_BYTES", 10<<20),
		TurnRatePerMinute:    getEnvAsIntOrDefault("TURN_RATE_PER_MINUTE", 20),
		RedisURL:             getEnvOrDefault("REDIS_URL", ""),
		DatabaseURL:          getEnvOrDefault("DATABASE_URL", ""),
		FrontendURL:          getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}
	cfg.GeminiTranscribeModel = getEnvOrDefault("GEMINI_TRANSCRIBE_MODEL", cfg.GeminiModel)

	if cfg.usesOpenAI() {
		cfg.OpenAIAPIKey = mustGetEnv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		panic(err.Error())
	}

	return cfg
}

func (c *Config) usesOpenAI() bool {
	return c.STTProvider == ProviderWhisper || c.TTSProvider == ProviderOpenAI
}

// Validate rejects unknown provider names.
func (c *Config) Validate() error {
	switch c.STTProvider {
	case ProviderGemini, ProviderWhisper:
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q (want %s or %s)", c.STTProvider, ProviderGemini, ProviderWhisper)
	}
	switch c.TTSProvider {
	case ProviderTranslate, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q (want %s or %s)", c.TTSProvider, ProviderTranslate, ProviderOpenAI)
	}
	if c.MaxClipBytes <= 0 {
		return fmt.Errorf("MAX_CLIP_BYTES must be positive, got %d", c.MaxClipBytes)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
