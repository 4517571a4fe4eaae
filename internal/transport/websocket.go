package transport

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/concierge-engine/internal/codec"
	"github.com/lexiqai/concierge-engine/internal/observability"
	"github.com/lexiqai/concierge-engine/internal/resilience"
)

// WSConfig holds the settings for one websocket channel.
type WSConfig struct {
	// URL is the wss:// endpoint of the conversational service.
	URL string

	// APIKey is sent as a bearer token on the upgrade request.
	APIKey string

	// Session is the one-time configuration sent after the upgrade.
	Session SessionConfig

	// DialMaxAttempts and DialBackoff bound the initial connection attempts.
	// Once the channel is open there is no reconnection: a dropped
	// connection ends the session.
	DialMaxAttempts int
	DialBackoff     time.Duration
}

// WSChannel is a Channel backed by a gorilla websocket connection.
type WSChannel struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	outbound chan codec.EncodedChunk
	events   chan Event
	done     chan struct{}

	seq       atomic.Int64
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialWS opens a websocket channel to the conversational service, sends the
// session setup message, and starts the reader and writer loops.
func DialWS(cfg WSConfig, logger zerolog.Logger) (*WSChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("service URL is required")
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.DefaultDialer.Dial(cfg.URL, header)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:    cfg.DialMaxAttempts,
		InitialBackoff: cfg.DialBackoff,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
	if retryCfg.MaxAttempts <= 0 {
		retryCfg.MaxAttempts = 1
	}
	if retryCfg.InitialBackoff <= 0 {
		retryCfg.InitialBackoff = 250 * time.Millisecond
	}

	if err := resilience.Retry(dial, retryCfg); err != nil {
		return nil, fmt.Errorf("failed to connect to conversational service: %w", err)
	}

	setup := wireMessage{
		Event: wireEventSetup,
		Setup: &wireSetup{
			Voice:            cfg.Session.Voice,
			Instructions:     cfg.Session.Instructions,
			TranscribeInput:  cfg.Session.TranscribeInput,
			TranscribeOutput: cfg.Session.TranscribeOutput,
			InputDescriptor:  cfg.Session.InputDescriptor,
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send session setup: %w", err)
	}

	ch := &WSChannel{
		conn:     conn,
		logger:   logger,
		outbound: make(chan codec.EncodedChunk, 100),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
	}

	ch.wg.Add(2)
	go ch.writeLoop()
	go ch.readLoop()

	return ch, nil
}

// Send queues one encoded frame for transmission. It never blocks; if the
// outbound queue is full the frame is dropped, since stalling the capture
// cadence is worse than losing one frame.
func (ch *WSChannel) Send(chunk codec.EncodedChunk) error {
	select {
	case <-ch.done:
		return fmt.Errorf("channel is closed")
	default:
	}

	select {
	case ch.outbound <- chunk:
		return nil
	default:
		ch.logger.Warn().Msg("Outbound queue full, dropping audio frame")
		observability.RecordFrameDropped("outbound_full")
		return nil
	}
}

// Events returns the inbound event stream. The channel is closed after a
// Closed or Error event once the connection is no longer usable.
func (ch *WSChannel) Events() <-chan Event {
	return ch.events
}

// Close shuts the connection down. Safe to call more than once.
func (ch *WSChannel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.done)
		deadline := time.Now().Add(time.Second)
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ch.conn.Close()
	})
	ch.wg.Wait()
	return nil
}

func (ch *WSChannel) writeLoop() {
	defer ch.wg.Done()

	for {
		select {
		case chunk := <-ch.outbound:
			msg := wireMessage{
				Event: wireEventAudio,
				Media: &wireMedia{
					Payload:    chunk.Data,
					Descriptor: chunk.Descriptor,
					Seq:        ch.seq.Add(1),
				},
			}
			if err := ch.conn.WriteJSON(msg); err != nil {
				ch.logger.Error().Err(err).Msg("Failed to write audio frame")
				observability.RecordError("transport_write_error", "transport")
				return
			}
			observability.RecordAudioBytes("outbound", int64(len(chunk.Data)))

		case <-ch.done:
			return
		}
	}
}

func (ch *WSChannel) readLoop() {
	defer ch.wg.Done()
	defer close(ch.events)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
				// Local close, not a transport failure.
				ch.emit(Event{Type: EventClosed, Reason: "closed by client"})
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					ch.logger.Warn().Err(err).Msg("WebSocket read error")
					ch.emit(Event{Type: EventError, Cause: err})
				} else {
					ch.emit(Event{Type: EventClosed, Reason: "connection closed"})
				}
			}
			return
		}

		event, ok, err := decodeInbound(data)
		if err != nil {
			ch.logger.Error().Err(err).Msg("Failed to parse service message")
			observability.RecordError("transport_decode_error", "transport")
			continue
		}
		if ok {
			ch.emit(event)
		}
	}
}

func (ch *WSChannel) emit(event Event) {
	select {
	case ch.events <- event:
	case <-ch.done:
		// Session is tearing down; lifecycle events still matter, frames do not.
		if event.Type != EventAudioPayload && event.Type != EventPartialTranscript {
			select {
			case ch.events <- event:
			default:
			}
		}
	}
}
