package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/concierge-engine/internal/codec"
	"github.com/lexiqai/concierge-engine/internal/transport"
)

type fakeSource struct {
	mu         sync.Mutex
	startErr   error
	startCalls int
	stopCalls  int
	frames     chan codec.Frame
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan codec.Frame, 16)}
}

func (s *fakeSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	return s.startErr
}

func (s *fakeSource) Frames() <-chan codec.Frame { return s.frames }

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	return nil
}

func (s *fakeSource) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

func (s *fakeSource) push(n int) {
	s.frames <- codec.Frame{Samples: make([]float32, n), SampleRate: 16000, Channels: 1}
}

// pushLoud delivers a frame well above the speech energy threshold
func (s *fakeSource) pushLoud(n int) {
	samples := make([]float32, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	s.frames <- codec.Frame{Samples: samples, SampleRate: 16000, Channels: 1}
}

type fakeScheduler struct {
	mu         sync.Mutex
	enqueued   []codec.EncodedChunk
	enqueueErr error
	flushes    int
	closes     int
	gain       float64
}

func (f *fakeScheduler) Enqueue(chunk codec.EncodedChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, chunk)
	return nil
}

func (f *fakeScheduler) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeScheduler) SetGain(gain float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gain = gain
}

func (f *fakeScheduler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeScheduler) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func (f *fakeScheduler) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeScheduler) enqueueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type fakeChannel struct {
	mu         sync.Mutex
	sent       []codec.EncodedChunk
	events     chan transport.Event
	closeCalls int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan transport.Event, 16)}
}

func (ch *fakeChannel) Send(chunk codec.EncodedChunk) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sent = append(ch.sent, chunk)
	return nil
}

func (ch *fakeChannel) Events() <-chan transport.Event { return ch.events }

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeCalls++
	return nil
}

func (ch *fakeChannel) sentCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sent)
}

func (ch *fakeChannel) closes() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeCalls
}

func newTestController(src *fakeSource, sched *fakeScheduler, ch *fakeChannel) *Controller {
	return New(Options{
		SessionID:         "test-session",
		Source:            src,
		Scheduler:         sched,
		Dial:              func() (transport.Channel, error) { return ch, nil },
		CaptureSampleRate: 16000,
		Logger:            zerolog.Nop(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not end")
	}
}

func TestStart_AcquisitionFailure(t *testing.T) {
	src := newFakeSource()
	src.startErr = fmt.Errorf("permission denied")
	sched := &fakeScheduler{}
	dialed := false

	c := New(Options{
		Source:            src,
		Scheduler:         sched,
		Dial:              func() (transport.Channel, error) { dialed = true; return nil, nil },
		CaptureSampleRate: 16000,
		Logger:            zerolog.Nop(),
	})

	err := c.Start(context.Background())
	if !errors.Is(err, ErrAcquisition) {
		t.Fatalf("Expected ErrAcquisition, got %v", err)
	}
	if c.State() != StateEnded {
		t.Errorf("Expected Ended state, got %s", c.State())
	}
	if dialed {
		t.Error("Transport must not be dialed after device acquisition failure")
	}
	waitDone(t, c)
}

func TestStart_DialFailure(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}

	c := New(Options{
		Source:            src,
		Scheduler:         sched,
		Dial:              func() (transport.Channel, error) { return nil, fmt.Errorf("connection refused") },
		CaptureSampleRate: 16000,
		Logger:            zerolog.Nop(),
	})

	err := c.Start(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if src.stops() != 1 {
		t.Errorf("Expected input device released after dial failure, got %d stops", src.stops())
	}
	if c.State() != StateEnded {
		t.Errorf("Expected Ended state, got %s", c.State())
	}
}

func TestStart_CannotStartTwice(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("Expected error starting an active session")
	}

	c.Hangup()
	waitDone(t, c)

	if err := c.Start(context.Background()); err == nil {
		t.Error("Expected error restarting an ended session; new calls need fresh instances")
	}
}

func TestOutbound_FramesAreEncodedAndSent(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { c.Hangup(); waitDone(t, c) }()

	src.push(160)
	src.push(160)

	waitFor(t, "2 frames sent", func() bool { return ch.sentCount() == 2 })

	ch.mu.Lock()
	chunk := ch.sent[0]
	ch.mu.Unlock()
	if chunk.Descriptor != "pcm;rate=16000" {
		t.Errorf("Expected descriptor pcm;rate=16000, got %s", chunk.Descriptor)
	}
	if decoded, err := codec.DecodeChunk(chunk); err != nil || len(decoded) != 320 {
		t.Errorf("Expected 320 PCM bytes for 160 samples, got %d (err=%v)", len(decoded), err)
	}
}

func TestMute_DropsFramesButKeepsDeviceRunning(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { c.Hangup(); waitDone(t, c) }()

	src.push(160)
	waitFor(t, "unmuted frame sent", func() bool { return ch.sentCount() == 1 })

	c.SetMuted(true)
	src.push(160)
	src.push(160)
	waitFor(t, "muted frames dropped", func() bool { return c.Stats().FramesMuted == 2 })

	if ch.sentCount() != 1 {
		t.Errorf("Muted frames must not reach transport, got %d sent", ch.sentCount())
	}
	if src.stops() != 0 {
		t.Error("Capture device must never be stopped by mute")
	}

	c.SetMuted(false)
	src.push(160)
	waitFor(t, "frame sent after unmute", func() bool { return ch.sentCount() == 2 })

	if src.startCalls != 1 {
		t.Errorf("Capture device must never be restarted by unmute, got %d starts", src.startCalls)
	}
}

func TestOutbound_SpeechSegmentsCounted(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { c.Hangup(); waitDone(t, c) }()

	// A burst of speech followed by enough silence closes one segment
	src.pushLoud(160)
	src.pushLoud(160)
	for i := 0; i < 3; i++ {
		src.push(160)
	}
	waitFor(t, "speech segment counted", func() bool { return c.Stats().SpeechSegments == 1 })

	if sent := ch.sentCount(); sent != 5 {
		t.Errorf("Activity tracking must not drop frames, got %d sent", sent)
	}
}

func TestInbound_AudioPayloadsReachScheduler(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { c.Hangup(); waitDone(t, c) }()

	chunk := codec.EncodeChunk([]byte{0x00, 0x01}, codec.Descriptor(24000))
	ch.events <- transport.Event{Type: transport.EventAudioPayload, Chunk: chunk}

	waitFor(t, "payload enqueued", func() bool { return sched.enqueueCount() == 1 })
}

func TestInbound_TurnAssembly(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { c.Hangup(); waitDone(t, c) }()

	ch.events <- transport.Event{Type: transport.EventPartialTranscript, Speaker: transport.SpeakerLocal, TextDelta: "any"}
	ch.events <- transport.Event{Type: transport.EventPartialTranscript, Speaker: transport.SpeakerLocal, TextDelta: "discounts?"}
	ch.events <- transport.Event{Type: transport.EventPartialTranscript, Speaker: transport.SpeakerRemote, TextDelta: "ten percent today"}
	ch.events <- transport.Event{Type: transport.EventTurnComplete}

	select {
	case pair := <-c.Turns():
		if pair.Local.Text != "any discounts?" {
			t.Errorf("Unexpected local text: %q", pair.Local.Text)
		}
		if pair.Remote.Text != "ten percent today" {
			t.Errorf("Unexpected remote text: %q", pair.Remote.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No turn pair emitted")
	}

	// A silent-user turn still emits a pair
	ch.events <- transport.Event{Type: transport.EventPartialTranscript, Speaker: transport.SpeakerRemote, TextDelta: "anything else?"}
	ch.events <- transport.Event{Type: transport.EventTurnComplete}

	select {
	case pair := <-c.Turns():
		if pair.Local.Text != "" {
			t.Errorf("Expected empty local text, got %q", pair.Local.Text)
		}
		if pair.Remote.Text != "anything else?" {
			t.Errorf("Unexpected remote text: %q", pair.Remote.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No turn pair emitted for silent-user turn")
	}

	if c.Stats().Turns != 2 {
		t.Errorf("Expected 2 turns recorded, got %d", c.Stats().Turns)
	}
}

func TestInbound_InterruptedFlushesPlayback(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { c.Hangup(); waitDone(t, c) }()

	ch.events <- transport.Event{Type: transport.EventInterrupted}

	waitFor(t, "playback flushed", func() bool { return sched.flushCount() == 1 })
	if c.Stats().Interruptions != 1 {
		t.Errorf("Expected 1 interruption recorded, got %d", c.Stats().Interruptions)
	}
}

func TestInbound_RemoteCloseEndsCleanly(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.events <- transport.Event{Type: transport.EventClosed, Reason: "idle timeout"}
	waitDone(t, c)

	if c.State() != StateEnded {
		t.Errorf("Expected Ended, got %s", c.State())
	}
	if c.Err() != nil {
		t.Errorf("Remote close is a clean end, got error %v", c.Err())
	}
	if src.stops() != 1 {
		t.Errorf("Expected input device released, got %d stops", src.stops())
	}
	if ch.closes() == 0 {
		t.Error("Expected transport closed on teardown")
	}
	if sched.flushCount() == 0 {
		t.Error("Expected scheduled playback cancelled on teardown")
	}
	if sched.closeCount() != 1 {
		t.Errorf("Expected output released on teardown, got %d closes", sched.closeCount())
	}
}

func TestInbound_TransportErrorEndsSession(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.events <- transport.Event{Type: transport.EventError, Cause: fmt.Errorf("connection reset")}
	waitDone(t, c)

	if !errors.Is(c.Err(), ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", c.Err())
	}
	if src.stops() != 1 {
		t.Error("Teardown must release the input device on transport failure")
	}
}

func TestInbound_SchedulerInvariantViolationTearsDown(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{enqueueErr: fmt.Errorf("playback start time is not monotonic")}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.events <- transport.Event{Type: transport.EventAudioPayload, Chunk: codec.EncodedChunk{}}
	waitDone(t, c)

	if !errors.Is(c.Err(), ErrTransport) {
		t.Errorf("Invariant violation must end the session like a transport failure, got %v", c.Err())
	}
}

func TestHangup_DiscardsInFlightFramesAndReleasesEverything(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.Hangup()
	// A frame still in the capture pipeline at hangup must be discarded
	src.push(160)
	waitDone(t, c)

	if c.State() != StateEnded {
		t.Errorf("Expected Ended, got %s", c.State())
	}
	if c.Err() != nil {
		t.Errorf("User hangup is a clean end, got %v", c.Err())
	}
	if src.stops() != 1 {
		t.Errorf("Expected input device released, got %d stops", src.stops())
	}
	if ch.closes() == 0 {
		t.Error("Expected transport closed")
	}
	if sched.flushCount() == 0 {
		t.Error("Expected playback flushed")
	}
	if sched.closeCount() != 1 {
		t.Errorf("Expected output released, got %d closes", sched.closeCount())
	}
	if ch.sentCount() != 0 {
		t.Errorf("Frame mid-flight at hangup must not be sent, got %d", ch.sentCount())
	}
}

func TestSetVolume_ClampsAndAppliesGain(t *testing.T) {
	src := newFakeSource()
	sched := &fakeScheduler{}
	ch := newFakeChannel()
	c := newTestController(src, sched, ch)

	c.SetVolume(0.5)
	if sched.gain != 0.5 {
		t.Errorf("Expected gain 0.5, got %f", sched.gain)
	}

	c.SetVolume(2.0)
	if sched.gain != 1.0 {
		t.Errorf("Expected gain clamped to 1.0, got %f", sched.gain)
	}

	c.SetVolume(-0.5)
	if sched.gain != 0 {
		t.Errorf("Expected gain clamped to 0, got %f", sched.gain)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateActive:     "active",
		StateEnded:      "ended",
		State(42):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
