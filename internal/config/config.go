package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the interpreter gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only when logging the WebSocket endpoint.
	// Optional; if unset, logs ws://localhost:PORT/ws.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Persistence. Empty DatabaseURL selects the in-memory store (development only).
	DatabaseURL        string `envconfig:"DATABASE_URL" default:""`
	DevStartingCredits int64  `envconfig:"DEV_STARTING_CREDITS" default:"3600"` // Seeded balance per user for the in-memory store

	// Deepgram STT API configuration
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	// OpenAI translation configuration
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:""`

	// Cartesia TTS API configuration
	CartesiaAPIKey      string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaModelID     string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-multilingual"`
	CartesiaVoiceMale   string `envconfig:"CARTESIA_VOICE_MALE" default:"a167e0f3-df7e-4d52-a9c3-f949145efdab"`
	CartesiaVoiceFemale string `envconfig:"CARTESIA_VOICE_FEMALE" default:"b7d50908-b17c-442d-ad8d-810c63997ed9"`

	// Room and session configuration
	RoomTTL           time.Duration `envconfig:"ROOM_TTL" default:"24h"`            // Unstarted rooms expire after this
	MeterTickInterval time.Duration `envconfig:"METER_TICK_INTERVAL" default:"5s"`  // Credit deduction cadence
	DedupHistorySize  int           `envconfig:"DEDUP_HISTORY_SIZE" default:"4"`    // Allowed final pairs kept per speaker
	EndedGracePeriod  time.Duration `envconfig:"ENDED_GRACE_PERIOD" default:"5s"`   // Time before remaining sockets are closed after Ended
	WSMaxMessageBytes int64         `envconfig:"WS_MAX_MESSAGE_BYTES" default:"1048576"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

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

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.MeterTickInterval < time.Second {
		return fmt.Errorf("METER_TICK_INTERVAL must be at least 1s, got %s", c.MeterTickInterval)
	}
	if c.DedupHistorySize < 1 {
		return fmt.Errorf("DEDUP_HISTORY_SIZE must be at least 1, got %d", c.DedupHistorySize)
	}
	return nil
}

// RetryBackoff returns the initial provider retry backoff
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

// BreakerResetTimeout returns the circuit breaker recovery window
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// WebSocketURL is the endpoint peers connect to
func (c *Config) WebSocketURL() string {
	if c.PublicURL != "" {
		return c.PublicURL + "/ws"
	}
	return fmt.Sprintf("ws://localhost:%s/ws", c.Port)
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
