package transport

import (
	"encoding/json"
	"fmt"

	"github.com/lexiqai/concierge-engine/internal/codec"
)

// Wire envelopes for the conversational service protocol. Every message is a
// JSON object with an "event" discriminator and at most one payload field set.

// wireMessage is the envelope for both directions of the websocket.
type wireMessage struct {
	Event      string          `json:"event"`
	Setup      *wireSetup      `json:"setup,omitempty"`
	Media      *wireMedia      `json:"media,omitempty"`
	Transcript *wireTranscript `json:"transcript,omitempty"`
	Close      *wireClose      `json:"close,omitempty"`
	Error      *wireError      `json:"error,omitempty"`
}

// wireSetup is the one-time session configuration sent at connect.
type wireSetup struct {
	Voice            string `json:"voice"`
	Instructions     string `json:"instructions,omitempty"`
	TranscribeInput  bool   `json:"transcribe_input"`
	TranscribeOutput bool   `json:"transcribe_output"`
	InputDescriptor  string `json:"input_descriptor"`
}

// wireMedia carries one base64-encoded audio payload in either direction.
type wireMedia struct {
	Payload    string `json:"payload"`
	Descriptor string `json:"descriptor"`
	Seq        int64  `json:"seq,omitempty"`
}

// wireTranscript carries an incremental transcription delta for one speaker.
type wireTranscript struct {
	Speaker string `json:"speaker"`
	Delta   string `json:"delta"`
}

// wireClose carries the reason the service is ending the session.
type wireClose struct {
	Reason string `json:"reason,omitempty"`
}

// wireError carries a service-side error description.
type wireError struct {
	Message string `json:"message"`
}

// Event discriminator values on the wire.
const (
	wireEventSetup        = "setup"
	wireEventAudio        = "audio"
	wireEventTranscript   = "transcript"
	wireEventTurnComplete = "turn_complete"
	wireEventInterrupted  = "interrupted"
	wireEventClose        = "close"
	wireEventError        = "error"
)

// decodeInbound parses one inbound wire message into an Event. The second
// return value is false for messages that carry nothing for the engine
// (unknown event types are tolerated and skipped).
func decodeInbound(data []byte) (Event, bool, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false, fmt.Errorf("malformed service message: %w", err)
	}

	switch msg.Event {
	case wireEventAudio:
		if msg.Media == nil {
			return Event{}, false, fmt.Errorf("audio event missing media payload")
		}
		return Event{
			Type: EventAudioPayload,
			Chunk: codec.EncodedChunk{
				Data:       msg.Media.Payload,
				Descriptor: msg.Media.Descriptor,
			},
		}, true, nil

	case wireEventTranscript:
		if msg.Transcript == nil {
			return Event{}, false, fmt.Errorf("transcript event missing payload")
		}
		speaker := SpeakerRemote
		if msg.Transcript.Speaker == string(SpeakerLocal) {
			speaker = SpeakerLocal
		}
		return Event{
			Type:      EventPartialTranscript,
			Speaker:   speaker,
			TextDelta: msg.Transcript.Delta,
		}, true, nil

	case wireEventTurnComplete:
		return Event{Type: EventTurnComplete}, true, nil

	case wireEventInterrupted:
		return Event{Type: EventInterrupted}, true, nil

	case wireEventClose:
		reason := ""
		if msg.Close != nil {
			reason = msg.Close.Reason
		}
		return Event{Type: EventClosed, Reason: reason}, true, nil

	case wireEventError:
		message := "unknown service error"
		if msg.Error != nil && msg.Error.Message != "" {
			message = msg.Error.Message
		}
		return Event{Type: EventError, Cause: fmt.Errorf("service error: %s", message)}, true, nil

	default:
		return Event{}, false, nil
	}
}
