package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
)

// DefaultInterval is the presentation refresh period.
const DefaultInterval = 50 * time.Millisecond

// Sink receives every event after it is applied to the transcript. Sinks
// run on the poller goroutine and must not block for long.
type Sink interface {
	Handle(ctx context.Context, ev events.Event)
}

type Renderer interface {
	Render(snapshot Snapshot)
}

type PollerOptions struct {
	Interval time.Duration
	Renderer Renderer
	Sinks    []Sink
	Logger   *slog.Logger
}

// Poller is the single event consumer. It wakes on a fixed interval, takes
// whatever is queued without blocking, and hands the result to the
// transcript, the sinks and the renderer.
type Poller struct {
	bus        *events.Bus
	transcript *Transcript
	interval   time.Duration
	renderer   Renderer
	sinks      []Sink
	log        *slog.Logger
}

func NewPoller(bus *events.Bus, transcript *Transcript, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		bus:        bus,
		transcript: transcript,
		interval:   opts.Interval,
		renderer:   opts.Renderer,
		sinks:      opts.Sinks,
		log:        opts.Logger.With(slog.String("component", "reconcile")),
	}
}

// Run polls until ctx ends, then performs one last tick so nothing queued
// before cancellation is lost.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Tick(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick processes everything currently queued. It never waits for events.
func (p *Poller) Tick(ctx context.Context) {
	evs := p.bus.Drain()
	level, hasLevel := p.bus.LatestLevel()
	if hasLevel {
		p.transcript.SetLevel(level)
	}

	changed := hasLevel
	for _, ev := range evs {
		if p.transcript.Apply(ev) {
			changed = true
		}
		for _, sink := range p.sinks {
			sink.Handle(ctx, ev)
		}
	}
	if len(evs) > 0 {
		p.log.Debug("events applied", slog.Int("count", len(evs)))
	}
	if changed && p.renderer != nil {
		p.renderer.Render(p.transcript.Snapshot())
	}
}

// Fanout is a Sink that copies events to any number of subscribers. Slow
// subscribers lose events rather than stall the poller.
type Fanout struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan events.Event
	buffer int
}

func NewFanout(buffer int) *Fanout {
	if buffer <= 0 {
		buffer = 64
	}
	return &Fanout{subs: make(map[int]chan events.Event), buffer: buffer}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (f *Fanout) Subscribe() (<-chan events.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan events.Event, f.buffer)
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

func (f *Fanout) Handle(_ context.Context, ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
