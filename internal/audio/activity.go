package audio

// ActivityConfig holds configuration for local speech activity detection
type ActivityConfig struct {
	EnergyThreshold float64 // RMS threshold for speech, in normalized [-1, 1] sample units
	SilenceFrames   int     // Consecutive quiet frames before a segment is considered over
}

// DefaultActivityConfig returns thresholds tuned for 256ms capture frames
func DefaultActivityConfig() *ActivityConfig {
	return &ActivityConfig{
		EnergyThreshold: 0.015,
		SilenceFrames:   3,
	}
}

// ActivityDetector tracks local speech segments across capture frames.
// It is purely observational: the microphone stream is never gated on it.
type ActivityDetector struct {
	config         *ActivityConfig
	silenceCounter int
	speaking       bool
}

// NewActivityDetector creates a detector, using defaults when config is nil
func NewActivityDetector(config *ActivityConfig) *ActivityDetector {
	if config == nil {
		config = DefaultActivityConfig()
	}
	return &ActivityDetector{config: config}
}

// Observe processes one capture frame.
// Returns: (speaking, segmentStarted, segmentEnded)
func (a *ActivityDetector) Observe(samples []float32) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > a.config.EnergyThreshold

	var started, ended bool

	if frameHasSpeech {
		a.silenceCounter = 0
		if !a.speaking {
			started = true
			a.speaking = true
		}
	} else {
		a.silenceCounter++
		if a.speaking && a.silenceCounter >= a.config.SilenceFrames {
			ended = true
			a.speaking = false
			a.silenceCounter = 0
		}
	}

	return a.speaking, started, ended
}

// Reset clears detector state
func (a *ActivityDetector) Reset() {
	a.silenceCounter = 0
	a.speaking = false
}

// IsSpeaking returns whether a speech segment is currently open
func (a *ActivityDetector) IsSpeaking() bool {
	return a.speaking
}
