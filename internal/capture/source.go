package capture

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/concierge-engine/internal/codec"
	"github.com/lexiqai/concierge-engine/internal/observability"
)

// Device is an input audio device. Start begins delivering normalized frames
// of exactly frameSize samples through deliver, invoked from the device's own
// callback thread. Stop releases the device.
type Device interface {
	Start(sampleRate, frameSize int, deliver func(samples []float32)) error
	Stop() error
}

// Source turns device callbacks into an unbounded-looking sequence of frames
// at a fixed cadence. It never pauses the device once started: muting is a
// session-level decision (frames are dropped downstream), because stopping
// and re-acquiring the device is slow and audible.
type Source struct {
	device     Device
	sampleRate int
	frameSize  int
	logger     zerolog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	frames  chan codec.Frame
}

// NewSource creates a capture source for the given device and framing.
func NewSource(device Device, sampleRate, frameSize int, logger zerolog.Logger) *Source {
	return &Source{
		device:     device,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		logger:     logger,
		frames:     make(chan codec.Frame, 16),
	}
}

// Start acquires the device and begins frame delivery. Acquisition failure
// is fatal to the attempted call: the error surfaces and nothing retries.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("capture source already started")
	}
	if s.stopped {
		return fmt.Errorf("capture source cannot be restarted")
	}

	if err := s.device.Start(s.sampleRate, s.frameSize, s.deliver); err != nil {
		return fmt.Errorf("failed to acquire input device: %w", err)
	}
	s.started = true
	return nil
}

// Frames returns the stream of captured frames.
func (s *Source) Frames() <-chan codec.Frame {
	return s.frames
}

// Stop releases the device and closes the frame stream. Safe to call once
// the source was never started.
func (s *Source) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	close(s.frames)
	s.mu.Unlock()

	if started {
		return s.device.Stop()
	}
	return nil
}

// deliver runs on the device callback thread. It must return quickly, so a
// frame that cannot be queued is dropped rather than blocking the driver.
func (s *Source) deliver(samples []float32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	frame := codec.Frame{
		Samples:    append([]float32(nil), samples...),
		SampleRate: s.sampleRate,
		Channels:   1,
	}

	select {
	case s.frames <- frame:
	default:
		s.logger.Warn().Msg("Capture queue full, dropping frame")
		observability.RecordFrameDropped("capture_full")
	}
}
