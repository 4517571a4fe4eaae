package transport

import (
	"github.com/lexiqai/concierge-engine/internal/codec"
)

// Speaker identifies which side of the conversation produced a transcript.
type Speaker string

const (
	SpeakerLocal  Speaker = "local"
	SpeakerRemote Speaker = "remote"
)

// EventType discriminates inbound events from the conversational service.
type EventType string

const (
	EventPartialTranscript EventType = "partial_transcript"
	EventAudioPayload      EventType = "audio_payload"
	EventTurnComplete      EventType = "turn_complete"
	EventInterrupted       EventType = "interrupted"
	EventClosed            EventType = "closed"
	EventError             EventType = "error"
)

// Event is one tagged inbound event. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// EventPartialTranscript
	Speaker   Speaker
	TextDelta string

	// EventAudioPayload
	Chunk codec.EncodedChunk

	// EventClosed
	Reason string

	// EventError
	Cause error
}

// SessionConfig is the one-time configuration sent when the channel opens.
type SessionConfig struct {
	Voice              string
	Instructions       string
	TranscribeInput    bool
	TranscribeOutput   bool
	InputDescriptor    string
}

// Channel is a duplex connection to the remote conversational service.
//
// Send is fire-and-forget and must not block the capture cadence; frames
// that cannot be queued are dropped by the implementation. Events yields
// the inbound stream and is closed once the channel is no longer usable.
type Channel interface {
	Send(chunk codec.EncodedChunk) error
	Events() <-chan Event
	Close() error
}
