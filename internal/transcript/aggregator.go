package transcript

import (
	"strings"

	"github.com/lexiqai/concierge-engine/internal/transport"
)

// Turn is one completed utterance by one speaker within an exchange.
type Turn struct {
	Speaker  transport.Speaker
	Text     string
	Complete bool
}

// TurnPair is one full conversational exchange: what the user said and what
// the assistant answered, emitted together on turn completion. A side that
// produced no text carries the empty string; the pair is never split.
type TurnPair struct {
	Local  Turn
	Remote Turn
}

// Aggregator accumulates incremental transcript deltas per speaker and
// flushes them as completed turns. One instance per call; the session resets
// it on teardown.
type Aggregator struct {
	local  strings.Builder
	remote strings.Builder
}

// NewAggregator creates an aggregator with both accumulators empty.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Append adds a transcript delta to the speaker's accumulator, separated by
// a single space from what came before.
func (a *Aggregator) Append(speaker transport.Speaker, delta string) {
	if delta == "" {
		return
	}
	b := a.builderFor(speaker)
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(delta)
}

// CompleteTurn emits the accumulated exchange and resets both accumulators.
func (a *Aggregator) CompleteTurn() TurnPair {
	pair := TurnPair{
		Local:  Turn{Speaker: transport.SpeakerLocal, Text: a.local.String(), Complete: true},
		Remote: Turn{Speaker: transport.SpeakerRemote, Text: a.remote.String(), Complete: true},
	}
	a.Reset()
	return pair
}

// Pending reports the in-progress (not yet complete) text for a speaker.
func (a *Aggregator) Pending(speaker transport.Speaker) string {
	return a.builderFor(speaker).String()
}

// Reset clears both accumulators without emitting anything.
func (a *Aggregator) Reset() {
	a.local.Reset()
	a.remote.Reset()
}

func (a *Aggregator) builderFor(speaker transport.Speaker) *strings.Builder {
	if speaker == transport.SpeakerLocal {
		return &a.local
	}
	return &a.remote
}
