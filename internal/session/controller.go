package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/concierge-engine/internal/audio"
	"github.com/lexiqai/concierge-engine/internal/codec"
	"github.com/lexiqai/concierge-engine/internal/observability"
	"github.com/lexiqai/concierge-engine/internal/transcript"
	"github.com/lexiqai/concierge-engine/internal/transport"
)

// FrameSource is the capture side of the pipeline (capture.Source).
type FrameSource interface {
	Start() error
	Frames() <-chan codec.Frame
	Stop() error
}

// Scheduler is the playback side of the pipeline (playback.Scheduler).
type Scheduler interface {
	Enqueue(chunk codec.EncodedChunk) error
	Flush()
	SetGain(gain float64)
	Close() error
}

// Options wires a controller to its collaborators. Each controller owns its
// source, scheduler and channel exclusively for the lifetime of one call.
type Options struct {
	SessionID         string
	Source            FrameSource
	Scheduler         Scheduler
	Dial              func() (transport.Channel, error)
	CaptureSampleRate int
	Logger            zerolog.Logger
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	FramesSent     int64
	FramesMuted    int64
	Turns          int64
	Interruptions  int64
	SpeechSegments int64
}

// Controller drives one voice session: connect, run, mute, interrupt,
// terminate. It is the single owner of the session state; the other
// components hold no lifecycle state of their own.
type Controller struct {
	sessionID  string
	source     FrameSource
	scheduler  Scheduler
	dial       func() (transport.Channel, error)
	sampleRate int
	logger     zerolog.Logger
	metrics    *observability.SessionMetrics

	mu      sync.RWMutex
	state   State
	muted   bool
	channel transport.Channel
	endErr  error

	cancel context.CancelFunc
	turns  chan transcript.TurnPair
	done   chan struct{}

	framesSent     atomic.Int64
	framesMuted    atomic.Int64
	turnCount      atomic.Int64
	interruptions  atomic.Int64
	speechSegments atomic.Int64
}

// New creates an idle controller. Nothing is acquired until Start.
func New(opts Options) *Controller {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = observability.NewSessionID()
	}
	return &Controller{
		sessionID:  sessionID,
		source:     opts.Source,
		scheduler:  opts.Scheduler,
		dial:       opts.Dial,
		sampleRate: opts.CaptureSampleRate,
		logger:     opts.Logger.With().Str("session_id", sessionID).Logger(),
		metrics:    observability.NewSessionMetrics(sessionID),
		state:      StateIdle,
		turns:      make(chan transcript.TurnPair, 16),
		done:       make(chan struct{}),
	}
}

// Start moves Idle → Connecting → Active: acquire the input device, open the
// transport, then wire the pipeline. On any acquisition failure the session
// goes straight to Ended with nothing else started.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info().Msg("Session connecting")

	if err := c.source.Start(); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrAcquisition, err)
		c.failBeforeActive(wrapped, false)
		return wrapped
	}

	channel, err := c.dial()
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrTransport, err)
		c.failBeforeActive(wrapped, true)
		return wrapped
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.channel = channel
	c.cancel = cancel
	c.state = StateActive
	c.muted = false
	c.mu.Unlock()

	c.metrics.RecordStart()
	c.logger.Info().Msg("Session active")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.outboundLoop(gctx) })
	g.Go(func() error {
		// A finished inbound loop ends the whole session, error or not:
		// once the remote is gone there is nothing left to talk to.
		defer cancel()
		return c.inboundLoop(gctx)
	})

	go func() {
		err := g.Wait()
		cancel()
		c.teardown(err)
	}()

	return nil
}

// Hangup ends the call from the user side. Any frame still in flight in the
// capture pipeline is discarded, not sent. Safe to call in any state.
func (c *Controller) Hangup() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetMuted toggles outbound frame forwarding. The capture device keeps
// running either way; inbound playback is unaffected.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.muted == muted {
		return
	}
	c.muted = muted
	c.logger.Info().Bool("muted", muted).Msg("Mute toggled")
}

// Muted reports the mute sub-flag.
func (c *Controller) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// SetVolume adjusts the playback gain, clamped to [0.0, 1.0]. Applies to
// audio already scheduled as well as future payloads.
func (c *Controller) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	} else if volume > 1.0 {
		volume = 1.0
	}
	c.scheduler.SetGain(volume)
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Turns yields completed conversational exchanges. Closed on teardown.
func (c *Controller) Turns() <-chan transcript.TurnPair {
	return c.turns
}

// Done is closed once the session has fully ended and released everything.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err reports why the session ended; nil for a user hangup or a clean
// remote close.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endErr
}

// Stats returns a snapshot of the session counters.
func (c *Controller) Stats() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		FramesMuted:    c.framesMuted.Load(),
		Turns:          c.turnCount.Load(),
		Interruptions:  c.interruptions.Load(),
		SpeechSegments: c.speechSegments.Load(),
	}
}

// outboundLoop forwards captured frames to the transport. Muted frames are
// dropped here, after capture, so the device never stops.
func (c *Controller) outboundLoop(ctx context.Context) error {
	descriptor := codec.Descriptor(c.sampleRate)
	detector := audio.NewActivityDetector(nil)

	for {
		select {
		case <-ctx.Done():
			// Frames still queued are discarded, not sent.
			return nil
		case frame, ok := <-c.source.Frames():
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				// Hangup raced the frame delivery: discard, never send.
				return nil
			}
			// Activity tracking observes every frame, muted or not.
			if _, started, ended := detector.Observe(frame.Samples); started {
				c.logger.Debug().Msg("Local speech started")
			} else if ended {
				c.speechSegments.Add(1)
				c.logger.Debug().Msg("Local speech ended")
			}

			if c.Muted() {
				c.framesMuted.Add(1)
				observability.RecordFrameDropped("muted")
				continue
			}

			chunk := codec.EncodeChunk(codec.BytesFromSamples(frame.Samples), descriptor)
			if err := c.sendChunk(chunk); err != nil {
				return fmt.Errorf("%w: %v", ErrTransport, err)
			}
			c.framesSent.Add(1)
		}
	}
}

func (c *Controller) sendChunk(chunk codec.EncodedChunk) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	return channel.Send(chunk)
}

// inboundLoop dispatches events from the transport. All scheduler mutations
// happen here, so its shared state has one writer.
func (c *Controller) inboundLoop(ctx context.Context) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	aggregator := transcript.NewAggregator()
	defer aggregator.Reset()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-channel.Events():
			if !ok {
				return fmt.Errorf("%w: event stream ended unexpectedly", ErrTransport)
			}

			switch event.Type {
			case transport.EventAudioPayload:
				if err := c.scheduler.Enqueue(event.Chunk); err != nil {
					// Scheduling invariant violations are torn down like a
					// transport failure rather than repaired in place.
					return fmt.Errorf("%w: %v", ErrTransport, err)
				}

			case transport.EventPartialTranscript:
				aggregator.Append(event.Speaker, event.TextDelta)

			case transport.EventTurnComplete:
				pair := aggregator.CompleteTurn()
				c.turnCount.Add(1)
				c.metrics.RecordTurn()
				select {
				case c.turns <- pair:
				default:
					c.logger.Warn().Msg("Turn consumer slow, dropping completed turn")
				}

			case transport.EventInterrupted:
				c.logger.Debug().Msg("Barge-in, flushing playback")
				c.scheduler.Flush()
				c.interruptions.Add(1)
				c.metrics.RecordInterruption()

			case transport.EventClosed:
				c.logger.Info().Str("reason", event.Reason).Msg("Remote closed session")
				return nil

			case transport.EventError:
				return fmt.Errorf("%w: %v", ErrTransport, event.Cause)

			default:
				c.logger.Warn().Str("type", string(event.Type)).Msg("Unknown transport event")
			}
		}
	}
}

// failBeforeActive ends a session that never reached Active.
func (c *Controller) failBeforeActive(err error, stopSource bool) {
	if stopSource {
		if stopErr := c.source.Stop(); stopErr != nil {
			c.logger.Error().Err(stopErr).Msg("Error releasing input device")
		}
	}
	if closeErr := c.scheduler.Close(); closeErr != nil {
		c.logger.Error().Err(closeErr).Msg("Error releasing output device")
	}

	c.mu.Lock()
	c.state = StateEnded
	c.endErr = err
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("Session failed to start")
	close(c.turns)
	close(c.done)
}

// teardown is the single exit path for an active session: stop and release
// the input device, cancel all scheduled playback, close the transport, and
// mark the session Ended. Runs exactly once.
func (c *Controller) teardown(cause error) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	c.endErr = cause
	channel := c.channel
	c.mu.Unlock()

	if err := c.source.Stop(); err != nil {
		c.logger.Error().Err(err).Msg("Error releasing input device")
	}

	// Same machinery as the barge-in path, then the output device goes too.
	c.scheduler.Flush()
	if err := c.scheduler.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error releasing output device")
	}

	if channel != nil {
		if err := channel.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Error closing transport")
		}
	}

	c.metrics.RecordEnd()

	if cause != nil {
		c.logger.Error().Err(cause).Msg("Session ended with error")
		observability.RecordError("session_fatal", "session")
	} else {
		c.logger.Info().
			Int64("frames_sent", c.framesSent.Load()).
			Int64("turns", c.turnCount.Load()).
			Msg("Session ended")
	}

	close(c.turns)
	close(c.done)
}
