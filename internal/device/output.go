package device

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/lexiqai/concierge-engine/internal/codec"
	"github.com/lexiqai/concierge-engine/internal/playback"
)

// renderFramesPerWrite is how many samples go to the device per blocking
// write. Small enough that a hard stop lands within ~20ms at 24kHz.
const renderFramesPerWrite = 512

type renderItem struct {
	frame     codec.Frame
	startAt   time.Duration
	cancelled atomic.Bool
	onDone    func()
}

// Stop halts the buffer immediately. The render loop drops whatever of the
// item has not yet been written to the device.
func (it *renderItem) Stop() {
	it.cancelled.Store(true)
}

// Output is a PortAudio-backed speaker implementing playback.Output. Items
// are rendered strictly in schedule order on a dedicated goroutine; the
// monotonic clock is the time since the device opened.
type Output struct {
	sampleRate int
	epoch      time.Time
	gainBits   atomic.Uint64

	stream *portaudio.Stream
	outBuf []float32

	queue chan *renderItem
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// OpenOutput acquires the default output device at the given rate and starts
// the render loop.
func OpenOutput(sampleRate int) (*Output, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio subsystem: %w", err)
	}

	buf := make([]float32, renderFramesPerWrite)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), &buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open output device: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}

	o := &Output{
		sampleRate: sampleRate,
		epoch:      time.Now(),
		stream:     stream,
		outBuf:     buf,
		queue:      make(chan *renderItem, 64),
		done:       make(chan struct{}),
	}
	o.gainBits.Store(math.Float64bits(1.0))

	o.wg.Add(1)
	go o.renderLoop()

	return o, nil
}

// Now is the monotonic playback clock.
func (o *Output) Now() time.Duration {
	return time.Since(o.epoch)
}

// Play schedules a frame to begin at startAt. Returns immediately; rendering
// happens on the output goroutine. onDone fires only on natural completion.
func (o *Output) Play(frame codec.Frame, startAt time.Duration, onDone func()) (playback.Handle, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("output device is closed")
	}

	item := &renderItem{frame: frame, startAt: startAt, onDone: onDone}
	select {
	case o.queue <- item:
		return item, nil
	default:
		return nil, fmt.Errorf("output queue full")
	}
}

// SetGain changes the output volume for scheduled and future buffers alike.
func (o *Output) SetGain(gain float64) {
	o.gainBits.Store(math.Float64bits(gain))
}

// Close stops the render loop and releases the device.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	close(o.done)
	o.wg.Wait()

	var err error
	if stopErr := o.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := o.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if termErr := portaudio.Terminate(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

func (o *Output) renderLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case item := <-o.queue:
			o.renderItem(item)
		}
	}
}

func (o *Output) renderItem(item *renderItem) {
	// Items arrive in schedule order, so waiting for this one's start time
	// never delays an earlier one.
	if wait := item.startAt - o.Now(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-o.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	samples := item.frame.Samples
	for off := 0; off < len(samples); off += renderFramesPerWrite {
		if item.cancelled.Load() {
			return
		}
		select {
		case <-o.done:
			return
		default:
		}

		end := off + renderFramesPerWrite
		if end > len(samples) {
			end = len(samples)
		}

		gain := float32(math.Float64frombits(o.gainBits.Load()))
		n := copy(o.outBuf, samples[off:end])
		for i := 0; i < n; i++ {
			o.outBuf[i] *= gain
		}
		for i := n; i < len(o.outBuf); i++ {
			o.outBuf[i] = 0
		}

		if err := o.stream.Write(); err != nil {
			// Underruns are recoverable; keep feeding.
			continue
		}
	}

	if item.onDone != nil && !item.cancelled.Load() {
		item.onDone()
	}
}
