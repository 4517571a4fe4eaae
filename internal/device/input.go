package device

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Input is a PortAudio-backed microphone implementing capture.Device.
// Frames are delivered from the PortAudio callback thread at the device's
// own cadence; the engine never polls.
type Input struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	started bool
}

// NewInput creates an unopened input device.
func NewInput() *Input {
	return &Input{}
}

// Start acquires the default input device and begins callback delivery of
// frameSize-sample frames at sampleRate.
func (d *Input) Start(sampleRate, frameSize int, deliver func(samples []float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("input device already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio subsystem: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, func(in []float32) {
		deliver(in)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to open input device: %w", err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	d.stream = stream
	d.started = true
	return nil
}

// Stop releases the device.
func (d *Input) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}
	d.started = false

	var err error
	if stopErr := d.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := d.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	d.stream = nil
	if termErr := portaudio.Terminate(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}
