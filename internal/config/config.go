package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the thread engine service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Path to the SQLite database holding the transcript fact layer.
	StorePath string `envconfig:"STORE_PATH" default:"thread-engine.db"`

	// LLM boundary configuration
	OpenAIAPIKey     string  `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL    string  `envconfig:"OPENAI_BASE_URL" default:""`         // Custom endpoint (proxies, local models)
	GateModel        string  `envconfig:"GATE_MODEL" default:"gpt-4o-mini"`   // Model for accumulation gate decisions
	StructuringModel string  `envconfig:"STRUCTURING_MODEL" default:"gpt-4o"` // Model for thread graph structuring
	LLMTimeout       int     `envconfig:"LLM_TIMEOUT" default:"30"`           // Per-call timeout in seconds
	LLMMaxTokens     int     `envconfig:"LLM_MAX_TOKENS" default:"2000"`      // Response token cap
	LLMRateLimit     float64 `envconfig:"LLM_RATE_LIMIT" default:"2.0"`       // Structuring calls per second across sessions

	// Segment accumulator configuration
	GateIntervalMs     int `envconfig:"GATE_INTERVAL_MS" default:"4000"`       // Gate evaluation cadence
	GateMinBufferChars int `envconfig:"GATE_MIN_BUFFER_CHARS" default:"240"`   // Buffer size that triggers an early gate check
	MaxBufferChars     int `envconfig:"ACCUMULATOR_MAX_BUFFER" default:"8192"` // Hard cap before force-emitting a segment
	MaxGateDeclines    int `envconfig:"MAX_GATE_DECLINES" default:"6"`         // continue_accumulating streak before force-emit

	// Flush and session lifecycle
	FlushTimeout       int `envconfig:"FLUSH_TIMEOUT" default:"45"`         // Seconds before a flush degrades
	SessionIdleTimeout int `envconfig:"SESSION_IDLE_TIMEOUT" default:"300"` // Seconds of silence before auto-flush

	// Diarization overlay
	DiarizeEnabled      bool    `envconfig:"DIARIZE_ENABLED" default:"true"`
	DiarizeGapThreshold float64 `envconfig:"DIARIZE_GAP_THRESHOLD" default:"1.5"` // Seconds of silence implying a speaker change
	DiarizeQueueSize    int     `envconfig:"DIARIZE_QUEUE_SIZE" default:"64"`     // Per-session overlay queue depth

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Telemetry
	TelemetryWindowSize int `envconfig:"TELEMETRY_WINDOW_SIZE" default:"256"` // Samples kept per provider/stage

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.GateIntervalMs <= 0 {
		return fmt.Errorf("GATE_INTERVAL_MS must be positive")
	}
	if c.MaxBufferChars < c.GateMinBufferChars {
		return fmt.Errorf("ACCUMULATOR_MAX_BUFFER must be >= GATE_MIN_BUFFER_CHARS")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
