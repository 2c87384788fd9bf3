package events

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/queue"
)

// Bus is the ordered event queue plus the independent level queue. Any number
// of workers may emit; exactly one consumer reads.
type Bus struct {
	events *queue.Queue[Event]
	levels *queue.Queue[float64]
	clock  func() time.Time
}

type Options struct {
	EventCapacity int
	EventPolicy   queue.Policy
	LevelCapacity int
}

func NewBus(opts Options) *Bus {
	if opts.EventCapacity <= 0 {
		opts.EventCapacity = 1024
	}
	if opts.LevelCapacity <= 0 {
		opts.LevelCapacity = 64
	}
	return &Bus{
		events: queue.New[Event](opts.EventCapacity, opts.EventPolicy),
		// Only the latest level matters to a meter.
		levels: queue.New[float64](opts.LevelCapacity, queue.DropOldest),
		clock:  time.Now,
	}
}

// Emit stamps and enqueues an event. Transcript events with blank text are
// suppressed. Emit returns false when the event was not delivered.
func (b *Bus) Emit(ctx context.Context, ev Event) bool {
	if ev.Kind.Transcript() {
		ev.Text = strings.TrimSpace(ev.Text)
		if ev.Text == "" {
			return false
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock().UTC()
	}
	return b.events.Put(ctx, ev) == nil
}

func (b *Bus) Status(ctx context.Context, sessionID, text string) bool {
	return b.Emit(ctx, Event{Kind: KindStatus, SessionID: sessionID, Text: text})
}

func (b *Bus) Error(ctx context.Context, sessionID, text string) bool {
	return b.Emit(ctx, Event{Kind: KindError, SessionID: sessionID, Text: text})
}

func (b *Bus) Partial(ctx context.Context, sessionID string, utterance uint64, text string) bool {
	return b.Emit(ctx, Event{Kind: KindPartial, SessionID: sessionID, UtteranceID: utterance, Text: text})
}

func (b *Bus) Draft(ctx context.Context, sessionID string, utterance uint64, text string) bool {
	return b.Emit(ctx, Event{Kind: KindDraft, SessionID: sessionID, UtteranceID: utterance, Text: text})
}

func (b *Bus) Final(ctx context.Context, sessionID string, utterance uint64, text string) bool {
	return b.Emit(ctx, Event{Kind: KindFinal, SessionID: sessionID, UtteranceID: utterance, Text: text})
}

// PublishLevel records a meter sample clamped to [0,1].
func (b *Bus) PublishLevel(level float64) {
	if level < 0 || level != level {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	_ = b.levels.Put(context.Background(), level)
}

// Drain returns every pending event without blocking, for tick-driven consumers.
func (b *Bus) Drain() []Event { return b.events.Drain() }

// Next blocks until an event is available or ctx ends.
func (b *Bus) Next(ctx context.Context) (Event, error) { return b.events.Get(ctx) }

// C exposes the event stream for select loops.
func (b *Bus) C() <-chan Event { return b.events.C() }

// LatestLevel drains the level queue and returns the newest value.
func (b *Bus) LatestLevel() (float64, bool) {
	levels := b.levels.Drain()
	if len(levels) == 0 {
		return 0, false
	}
	return levels[len(levels)-1], true
}

func (b *Bus) Levels() *queue.Queue[float64] { return b.levels }

// Dropped reports events lost to the backpressure policy.
func (b *Bus) Dropped() uint64 { return b.events.Dropped() }

func (b *Bus) Pending() int { return b.events.Len() }
