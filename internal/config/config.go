package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the concierge session engine
type Config struct {
	// HTTP server for health and metrics endpoints
	Port string `envconfig:"PORT" default:"8080"`

	// Conversational service connection
	ServiceURL    string `envconfig:"CONCIERGE_SERVICE_URL" required:"true"` // wss:// endpoint
	ServiceAPIKey string `envconfig:"CONCIERGE_SERVICE_API_KEY" default:""`

	// Session setup sent at connect
	VoiceID      string `envconfig:"CONCIERGE_VOICE_ID" default:"aria"`
	Instructions string `envconfig:"CONCIERGE_INSTRUCTIONS" default:"You are a friendly storefront concierge."`

	// Audio configuration. Capture and playback rates are fixed per
	// direction and never mixed.
	CaptureSampleRate  int `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`  // Hz
	CaptureFrameSize   int `envconfig:"CAPTURE_FRAME_SIZE" default:"4096"`    // samples per frame (~256ms at 16kHz)
	PlaybackSampleRate int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"` // Hz

	// Initial playback gain, 0.0 to 1.0
	PlaybackVolume float64 `envconfig:"PLAYBACK_VOLUME" default:"1.0"`

	// Connection dial bounds. There is no mid-call reconnection.
	DialMaxAttempts int `envconfig:"DIAL_MAX_ATTEMPTS" default:"3"`
	DialBackoffMs   int `envconfig:"DIAL_BACKOFF_MS" default:"250"`

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

// Validate checks cross-field constraints that envconfig tags cannot express
func (c *Config) Validate() error {
	if c.ServiceURL == "" {
		return fmt.Errorf("CONCIERGE_SERVICE_URL is required")
	}
	if c.CaptureSampleRate <= 0 {
		return fmt.Errorf("CAPTURE_SAMPLE_RATE must be positive, got %d", c.CaptureSampleRate)
	}
	if c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("PLAYBACK_SAMPLE_RATE must be positive, got %d", c.PlaybackSampleRate)
	}
	if c.CaptureFrameSize <= 0 {
		return fmt.Errorf("CAPTURE_FRAME_SIZE must be positive, got %d", c.CaptureFrameSize)
	}
	if c.PlaybackVolume < 0 || c.PlaybackVolume > 1.0 {
		return fmt.Errorf("PLAYBACK_VOLUME must be in [0.0, 1.0], got %f", c.PlaybackVolume)
	}
	return nil
}
