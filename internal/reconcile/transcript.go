// Package reconcile turns the event stream into a displayable transcript in
// which drafts are superseded by the finals for the same utterance.
package reconcile

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
)

// Entry is one transcript line. Provisional entries hold draft text that a
// final for the same utterance will replace.
type Entry struct {
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id"`
	Text        string    `json:"text"`
	Provisional bool      `json:"provisional"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot is a copy of the transcript state for rendering.
type Snapshot struct {
	Version   uint64  `json:"version"`
	Entries   []Entry `json:"entries"`
	Partial   string  `json:"partial,omitempty"`
	Status    string  `json:"status,omitempty"`
	LastError string  `json:"last_error,omitempty"`
	Level     float64 `json:"level"`
}

// maxEntries bounds the transcript kept in memory; the oldest lines go
// first. The event store keeps the full history.
const maxEntries = 2000

type utteranceKey struct {
	session string
	id      uint64
}

// Transcript is safe for concurrent use; the poller writes and HTTP
// handlers read.
type Transcript struct {
	mu        sync.RWMutex
	version   uint64
	entries   []Entry
	finalized map[utteranceKey]bool
	session   string
	partial   string
	status    string
	lastError string
	level     float64
}

func NewTranscript() *Transcript {
	return &Transcript{finalized: make(map[utteranceKey]bool)}
}

// Apply folds one event into the transcript and reports whether anything
// visible changed. Utterance ids restart with every session, so entries are
// matched on session and id together and kept in id order within a session.
func (t *Transcript) Apply(ev events.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := utteranceKey{session: ev.SessionID, id: ev.UtteranceID}
	switch ev.Kind {
	case events.KindPartial:
		if ev.Text == t.partial {
			return false
		}
		t.partial = ev.Text
	case events.KindDraft:
		if t.finalized[key] {
			return false
		}
		t.partial = ""
		if i := t.find(key); i >= 0 {
			t.entries[i].Text = ev.Text
			t.entries[i].UpdatedAt = ev.Timestamp
		} else {
			t.insert(Entry{
				SessionID:   ev.SessionID,
				UtteranceID: ev.UtteranceID,
				Text:        ev.Text,
				Provisional: true,
				UpdatedAt:   ev.Timestamp,
			})
		}
	case events.KindFinal:
		t.finalize(key, ev)
	case events.KindStatus:
		switch ev.Text {
		case events.StatusStopped:
			t.partial = ""
		case events.StatusListening:
			t.beginSession(ev.SessionID)
		}
		t.status = ev.Text
	case events.KindError:
		t.lastError = ev.Text
	default:
		return false
	}
	t.version++
	return true
}

func (t *Transcript) finalize(key utteranceKey, ev events.Event) {
	t.finalized[key] = true
	if i := t.find(key); i >= 0 {
		t.entries[i] = Entry{
			SessionID:   ev.SessionID,
			UtteranceID: ev.UtteranceID,
			Text:        ev.Text,
			UpdatedAt:   ev.Timestamp,
		}
		return
	}
	t.insert(Entry{
		SessionID:   ev.SessionID,
		UtteranceID: ev.UtteranceID,
		Text:        ev.Text,
		UpdatedAt:   ev.Timestamp,
	})
}

// beginSession forgets which utterances of earlier sessions were finalized.
// Only one session runs at a time, so no draft for them can still arrive.
func (t *Transcript) beginSession(id string) {
	if id == "" || id == t.session {
		return
	}
	t.session = id
	for key := range t.finalized {
		if key.session != id {
			delete(t.finalized, key)
		}
	}
}

func (t *Transcript) find(key utteranceKey) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.SessionID == key.session && e.UtteranceID == key.id {
			return i
		}
	}
	return -1
}

// insert places e before the first later utterance of its session, or after
// the last entry of its session when none is later.
func (t *Transcript) insert(e Entry) {
	at := len(t.entries)
	last := -1
	for i, cur := range t.entries {
		if cur.SessionID != e.SessionID {
			continue
		}
		if cur.UtteranceID > e.UtteranceID {
			at = i
			last = -1
			break
		}
		last = i
	}
	if last >= 0 {
		at = last + 1
	}
	t.entries = slices.Insert(t.entries, at, e)
	if over := len(t.entries) - maxEntries; over > 0 {
		t.entries = slices.Delete(t.entries, 0, over)
	}
}

func (t *Transcript) SetLevel(level float64) {
	t.mu.Lock()
	t.level = level
	t.mu.Unlock()
}

func (t *Transcript) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Version:   t.version,
		Entries:   append([]Entry(nil), t.entries...),
		Partial:   t.partial,
		Status:    t.status,
		LastError: t.lastError,
		Level:     t.level,
	}
}

// Text renders the transcript as plain lines, drafts marked.
func (t *Transcript) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	for _, e := range t.entries {
		if e.Provisional {
			b.WriteString("[draft] ")
		}
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Clear drops every entry, keeping status.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.finalized = make(map[utteranceKey]bool)
	t.partial = ""
	t.version++
}
