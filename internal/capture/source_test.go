package capture

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeDevice records lifecycle calls and lets tests push frames through the
// delivery callback the way a driver would.
type fakeDevice struct {
	startCalls int
	stopCalls  int
	failStart  bool
	deliver    func([]float32)
}

func (d *fakeDevice) Start(sampleRate, frameSize int, deliver func([]float32)) error {
	d.startCalls++
	if d.failStart {
		return fmt.Errorf("permission denied")
	}
	d.deliver = deliver
	return nil
}

func (d *fakeDevice) Stop() error {
	d.stopCalls++
	return nil
}

func TestStart_AcquisitionFailureSurfaces(t *testing.T) {
	dev := &fakeDevice{failStart: true}
	src := NewSource(dev, 16000, 4096, zerolog.Nop())

	if err := src.Start(); err == nil {
		t.Fatal("Expected acquisition error")
	}
	if dev.startCalls != 1 {
		t.Errorf("Expected exactly one start attempt (no retry), got %d", dev.startCalls)
	}
}

func TestFramesAreDelivered(t *testing.T) {
	dev := &fakeDevice{}
	src := NewSource(dev, 16000, 4, zerolog.Nop())

	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dev.deliver([]float32{0.1, 0.2, 0.3, 0.4})

	select {
	case frame := <-src.Frames():
		if len(frame.Samples) != 4 {
			t.Errorf("Expected 4 samples, got %d", len(frame.Samples))
		}
		if frame.SampleRate != 16000 || frame.Channels != 1 {
			t.Errorf("Unexpected frame format: rate=%d channels=%d", frame.SampleRate, frame.Channels)
		}
	case <-time.After(time.Second):
		t.Fatal("No frame delivered")
	}
}

func TestDeliverCopiesSamples(t *testing.T) {
	// The device reuses its buffer across callbacks
	dev := &fakeDevice{}
	src := NewSource(dev, 16000, 2, zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	buf := []float32{0.5, 0.5}
	dev.deliver(buf)
	buf[0] = -1.0

	frame := <-src.Frames()
	if frame.Samples[0] != 0.5 {
		t.Errorf("Frame aliases device buffer: got %f", frame.Samples[0])
	}
}

func TestStop_ReleasesDeviceAndClosesStream(t *testing.T) {
	dev := &fakeDevice{}
	src := NewSource(dev, 16000, 4, zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if dev.stopCalls != 1 {
		t.Errorf("Expected 1 device stop, got %d", dev.stopCalls)
	}

	if _, ok := <-src.Frames(); ok {
		t.Error("Expected frame stream closed after stop")
	}

	// Idempotent
	if err := src.Stop(); err != nil {
		t.Errorf("Second stop must be a no-op, got %v", err)
	}
	if dev.stopCalls != 1 {
		t.Errorf("Second stop must not touch the device again, got %d calls", dev.stopCalls)
	}
}

func TestDeliverAfterStopIsDiscarded(t *testing.T) {
	dev := &fakeDevice{}
	src := NewSource(dev, 16000, 4, zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// A late driver callback after stop must not panic on the closed channel
	dev.deliver([]float32{0.1, 0.2, 0.3, 0.4})
}

func TestStart_CannotRestart(t *testing.T) {
	dev := &fakeDevice{}
	src := NewSource(dev, 16000, 4, zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := src.Start(); err == nil {
		t.Error("Expected error on double start")
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := src.Start(); err == nil {
		t.Error("Expected error on start after stop")
	}
}
