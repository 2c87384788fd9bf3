package reconcile

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
)

func ev(kind events.Kind, id uint64, text string) events.Event {
	return events.Event{Kind: kind, SessionID: "s1", UtteranceID: id, Text: text, Timestamp: time.Now()}
}

func TestFinalReplacesDraftForSameUtterance(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(ev(events.KindDraft, 1, "helo wrld"))
	tr.Apply(ev(events.KindDraft, 2, "second draft"))
	tr.Apply(ev(events.KindFinal, 1, "Hello world."))

	snap := tr.Snapshot()
	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", snap.Entries)
	}
	if snap.Entries[0].Text != "Hello world." || snap.Entries[0].Provisional {
		t.Fatalf("final should replace the draft in place, got %+v", snap.Entries[0])
	}
	if !snap.Entries[1].Provisional || snap.Entries[1].UtteranceID != 2 {
		t.Fatalf("other drafts must be untouched, got %+v", snap.Entries[1])
	}
}

func TestRepeatedDraftsCollapse(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(ev(events.KindDraft, 3, "first"))
	tr.Apply(ev(events.KindDraft, 3, "first try"))
	snap := tr.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Text != "first try" {
		t.Fatalf("expected one updated draft, got %+v", snap.Entries)
	}
}

func TestFinalWithoutDraftAppends(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(ev(events.KindFinal, 4, "no draft seen"))
	if got := tr.Text(); got != "no draft seen\n" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestLateDraftIgnored(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(ev(events.KindFinal, 5, "final text"))
	if tr.Apply(ev(events.KindDraft, 5, "stale draft")) {
		t.Fatal("draft after final must be ignored")
	}
	if got := tr.Text(); got != "final text\n" {
		t.Fatalf("unexpected text %q", got)
	}
}

func ids(entries []Entry) []uint64 {
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UtteranceID)
	}
	return out
}

func TestFinalWithoutDraftKeepsUtteranceOrder(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(ev(events.KindDraft, 2, "second draft"))
	tr.Apply(ev(events.KindFinal, 1, "First."))
	tr.Apply(ev(events.KindFinal, 2, "Second."))

	snap := tr.Snapshot()
	if got := ids(snap.Entries); !slices.Equal(got, []uint64{1, 2}) {
		t.Fatalf("entries out of utterance order: %v", got)
	}
	if got := tr.Text(); got != "First.\nSecond.\n" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestLateDraftSlotsBetweenNeighbours(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(ev(events.KindFinal, 1, "one"))
	tr.Apply(ev(events.KindDraft, 3, "three"))
	tr.Apply(ev(events.KindDraft, 2, "two"))
	// A later session always follows, whatever its ids.
	tr.Apply(events.Event{Kind: events.KindFinal, SessionID: "s2", UtteranceID: 1, Text: "next"})

	if got := ids(tr.Snapshot().Entries); !slices.Equal(got, []uint64{1, 2, 3, 1}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestNewSessionForgetsFinalizedUtterances(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(events.Event{Kind: events.KindStatus, SessionID: "s1", Text: events.StatusListening})
	tr.Apply(ev(events.KindFinal, 1, "old"))
	tr.Apply(events.Event{Kind: events.KindStatus, SessionID: "s2", Text: events.StatusListening})
	tr.Apply(events.Event{Kind: events.KindFinal, SessionID: "s2", UtteranceID: 1, Text: "new"})

	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if len(tr.finalized) != 1 || !tr.finalized[utteranceKey{session: "s2", id: 1}] {
		t.Fatalf("finalized set should only hold the running session, got %v", tr.finalized)
	}
	if len(tr.entries) != 2 {
		t.Fatalf("entries of earlier sessions stay visible, got %+v", tr.entries)
	}
}

func TestEntriesAreBounded(t *testing.T) {
	tr := NewTranscript()
	for i := 1; i <= maxEntries+10; i++ {
		tr.Apply(ev(events.KindFinal, uint64(i), "line"))
	}
	entries := tr.Snapshot().Entries
	if len(entries) != maxEntries {
		t.Fatalf("expected %d entries, got %d", maxEntries, len(entries))
	}
	if entries[0].UtteranceID != 11 {
		t.Fatalf("oldest entries should be trimmed first, head is %d", entries[0].UtteranceID)
	}
}

func TestSameIDInDifferentSessions(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(events.Event{Kind: events.KindFinal, SessionID: "a", UtteranceID: 1, Text: "from a"})
	tr.Apply(events.Event{Kind: events.KindDraft, SessionID: "b", UtteranceID: 1, Text: "draft b"})
	if got := tr.Text(); got != "from a\n[draft] draft b\n" {
		t.Fatalf("sessions must not share utterance ids, got %q", got)
	}
}

func TestPartialLineAndStatus(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(ev(events.KindPartial, 1, "hel"))
	if tr.Apply(ev(events.KindPartial, 1, "hel")) {
		t.Fatal("identical partial should not count as a change")
	}
	tr.Apply(ev(events.KindStatus, 0, events.StatusRefining))
	tr.Apply(ev(events.KindError, 0, "device gone"))
	snap := tr.Snapshot()
	if snap.Partial != "hel" || snap.Status != events.StatusRefining || snap.LastError != "device gone" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	tr.Apply(ev(events.KindDraft, 1, "hello"))
	if tr.Snapshot().Partial != "" {
		t.Fatal("draft should clear the live partial")
	}
}

type recordingSink struct{ got []events.Event }

func (r *recordingSink) Handle(_ context.Context, ev events.Event) { r.got = append(r.got, ev) }

type countingRenderer struct {
	renders int
	last    Snapshot
}

func (c *countingRenderer) Render(s Snapshot) {
	c.renders++
	c.last = s
}

func TestPollerTickDrainsWithoutBlocking(t *testing.T) {
	bus := events.NewBus(events.Options{})
	tr := NewTranscript()
	sink := &recordingSink{}
	renderer := &countingRenderer{}
	p := NewPoller(bus, tr, PollerOptions{
		Renderer: renderer,
		Sinks:    []Sink{sink},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	p.Tick(context.Background())
	if renderer.renders != 0 {
		t.Fatal("empty tick should not render")
	}

	ctx := context.Background()
	bus.Draft(ctx, "s1", 1, "draft")
	bus.Final(ctx, "s1", 1, "final")
	bus.PublishLevel(0.4)
	bus.PublishLevel(0.7)
	p.Tick(ctx)

	if len(sink.got) != 2 {
		t.Fatalf("sink should see every event, got %d", len(sink.got))
	}
	if renderer.renders != 1 || renderer.last.Level != 0.7 {
		t.Fatalf("expected one render with the latest level, got %d renders %+v", renderer.renders, renderer.last)
	}
	if tr.Text() != "final\n" {
		t.Fatalf("unexpected transcript %q", tr.Text())
	}
}

func TestPollerRunFlushesOnCancel(t *testing.T) {
	bus := events.NewBus(events.Options{})
	tr := NewTranscript()
	p := NewPoller(bus, tr, PollerOptions{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	bus.Final(context.Background(), "s1", 9, "last words")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	if tr.Text() != "last words\n" {
		t.Fatalf("final tick lost events: %q", tr.Text())
	}
}

func TestFanoutDropsForSlowSubscribers(t *testing.T) {
	f := NewFanout(1)
	ch, cancel := f.Subscribe()
	f.Handle(context.Background(), ev(events.KindFinal, 1, "one"))
	f.Handle(context.Background(), ev(events.KindFinal, 2, "two"))
	got := <-ch
	if got.Text != "one" {
		t.Fatalf("unexpected event %+v", got)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	if f.Subscribers() != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestTerminalRendererFormat(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRenderer(&buf, 10)
	tr := NewTranscript()
	tr.Apply(ev(events.KindFinal, 1, "settled line"))
	tr.Apply(ev(events.KindDraft, 2, "maybe line"))
	tr.Apply(ev(events.KindError, 0, "mic unplugged"))

	out := r.Format(tr.Snapshot())
	for _, want := range []string{"settled line", "[draft]", "maybe line", "mic unplugged"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered output missing %q:\n%s", want, out)
		}
	}

	r.Render(tr.Snapshot())
	first := buf.Len()
	r.Render(tr.Snapshot())
	if buf.Len() != first {
		t.Fatal("unchanged snapshot should not be redrawn")
	}
}

func TestMeterWidth(t *testing.T) {
	for _, level := range []float64{-1, 0, 0.5, 1, 2} {
		m := Meter(level)
		if n := strings.Count(m, "█") + strings.Count(m, "░"); n != meterWidth {
			t.Fatalf("level %v: expected %d cells, got %d", level, meterWidth, n)
		}
	}
}
