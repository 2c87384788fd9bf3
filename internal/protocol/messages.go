package protocol

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
)

// TranscriptEvent is the wire form of an event forwarded to the message bus.
type TranscriptEvent struct {
	Kind        string    `json:"kind"`
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

const SubjectTranscriptPrefix = "scribe.transcript"

// Subject returns the subject an event kind is published on, e.g.
// scribe.transcript.final.
func Subject(kind events.Kind) string {
	return SubjectTranscriptPrefix + "." + string(kind)
}

func FromEvent(ev events.Event, source string) TranscriptEvent {
	return TranscriptEvent{
		Kind:        string(ev.Kind),
		SessionID:   ev.SessionID,
		UtteranceID: ev.UtteranceID,
		Text:        ev.Text,
		Timestamp:   ev.Timestamp,
		Source:      source,
	}
}
