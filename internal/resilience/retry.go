package resilience

import (
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts    int           // Maximum number of attempts (including the first)
	InitialBackoff time.Duration // Backoff before the second attempt
	MaxBackoff     time.Duration // Cap on backoff growth
	Multiplier     float64       // Exponential backoff multiplier
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Retry executes fn with exponential backoff between attempts. It returns
// nil on the first success, or the last error once attempts are exhausted.
func Retry(fn func() error, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := config.InitialBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < attempts-1 {
			time.Sleep(backoff)
			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return lastErr
}
