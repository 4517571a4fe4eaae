package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/concierge-engine/internal/codec"
	"github.com/lexiqai/concierge-engine/internal/observability"
)

// ErrInvariantViolation reports that the scheduling clock went backwards.
// The session treats it like a transport failure: tear down and start clean.
var ErrInvariantViolation = errors.New("playback start time is not monotonic")

// Handle controls one scheduled buffer.
type Handle interface {
	// Stop halts the buffer immediately (hard stop, no fade).
	Stop()
}

// Output renders scheduled frames on its own clock, outside engine control.
//
// Now must be monotonic. Play schedules a frame to begin at startAt and
// invokes onDone from the output's own goroutine when the frame finishes
// naturally (not when stopped). SetGain applies to already-scheduled and
// future buffers alike.
type Output interface {
	Now() time.Duration
	Play(frame codec.Frame, startAt time.Duration, onDone func()) (Handle, error)
	SetGain(gain float64)
	Close() error
}

// Scheduler turns irregularly-arriving audio payloads into gapless,
// non-overlapping playback. All mutations happen under one mutex and are
// driven from the session's inbound event loop, so the shared state has a
// single writer in practice.
type Scheduler struct {
	out        Output
	sampleRate int
	logger     zerolog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	lastStart time.Duration
	active    map[int64]Handle
	nextID    int64
}

// NewScheduler creates a scheduler that decodes payloads at the given output
// sample rate and schedules them on out.
func NewScheduler(out Output, sampleRate int, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		out:        out,
		sampleRate: sampleRate,
		logger:     logger,
		active:     make(map[int64]Handle),
	}
}

// Enqueue decodes one inbound payload and schedules it to start at
// max(nextStart, now): never before the previous buffer ends, never in the
// past. A malformed payload is dropped and logged; losing one buffer is less
// harmful than ending the call.
func (s *Scheduler) Enqueue(chunk codec.EncodedChunk) error {
	data, err := codec.DecodeChunk(chunk)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed audio payload")
		observability.RecordError("payload_decode_error", "playback")
		return nil
	}

	frame, err := codec.SamplesFromBytes(data, s.sampleRate, 1)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping undecodable audio payload")
		observability.RecordError("payload_decode_error", "playback")
		return nil
	}
	if len(frame.Samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	startAt := s.nextStart
	if startAt < now {
		startAt = now
	}
	if startAt < s.lastStart {
		return ErrInvariantViolation
	}

	duration := time.Duration(len(frame.Samples)) * time.Second / time.Duration(s.sampleRate)

	id := s.nextID
	s.nextID++
	handle, err := s.out.Play(frame, startAt, func() { s.remove(id) })
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to schedule audio buffer")
		observability.RecordError("schedule_error", "playback")
		return err
	}

	s.active[id] = handle
	s.lastStart = startAt
	s.nextStart = startAt + duration
	observability.RecordAudioBytes("inbound", int64(len(data)))

	return nil
}

// Flush hard-stops everything that is scheduled or playing and resets the
// scheduling clock to now, so the next payload starts immediately instead of
// queuing behind cancelled audio. Shared by the barge-in and hangup paths.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, handle := range s.active {
		handle.Stop()
	}
	s.active = make(map[int64]Handle)

	now := s.out.Now()
	s.nextStart = now
	s.lastStart = now
}

// Close flushes everything still scheduled and releases the output device.
// The scheduler is unusable afterwards.
func (s *Scheduler) Close() error {
	s.Flush()
	return s.out.Close()
}

// SetGain adjusts the output volume. Takes effect on buffers already
// scheduled as well as future ones.
func (s *Scheduler) SetGain(gain float64) {
	s.out.SetGain(gain)
}

// ActiveCount reports how many buffers are scheduled or playing.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart reports the current scheduling clock value.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

func (s *Scheduler) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
