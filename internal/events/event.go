// Package events carries transcript and status events from the recognition
// workers to a single presentation consumer.
package events

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindStatus  Kind = "status"
	KindError   Kind = "error"
	KindPartial Kind = "partial"
	KindDraft   Kind = "draft"
	KindFinal   Kind = "final"
)

func (k Kind) Valid() bool {
	switch k {
	case KindStatus, KindError, KindPartial, KindDraft, KindFinal:
		return true
	}
	return false
}

// Transcript reports whether the kind carries recognized text for an utterance.
func (k Kind) Transcript() bool {
	return k == KindPartial || k == KindDraft || k == KindFinal
}

// Event is immutable once created. UtteranceID links a draft to the final
// that supersedes it; it is zero for status and error events.
type Event struct {
	Kind        Kind      `json:"kind"`
	Text        string    `json:"text"`
	SessionID   string    `json:"session_id,omitempty"`
	UtteranceID uint64    `json:"utterance_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e Event) String() string {
	if e.Kind.Transcript() {
		return fmt.Sprintf("%s #%d: %s", e.Kind, e.UtteranceID, e.Text)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

// Common status texts.
const (
	StatusListening   = "listening"
	StatusRefining    = "refining"
	StatusModelLoad   = "loading refinement model"
	StatusModelReady  = "refinement model ready"
	StatusStopping    = "stopping"
	StatusStopped     = "stopped"
	StatusEndOfStream = "end of input"
)
