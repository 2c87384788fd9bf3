package eventstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/events"
)

// Recorder journals every event it handles. Storage failures are logged and
// never reach the pipeline.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	device func(sessionID string) string

	mu   sync.Mutex
	seen map[string]bool
}

// NewRecorder journals into store. device resolves the capture device of a
// session when its first event arrives; it may be nil.
func NewRecorder(store *Store, log *slog.Logger, device func(sessionID string) string) *Recorder {
	return &Recorder{
		store:  store,
		log:    log.With(slog.String("component", "eventstore")),
		device: device,
		seen:   make(map[string]bool),
	}
}

func (r *Recorder) Handle(ctx context.Context, ev events.Event) {
	if ev.SessionID == "" {
		return
	}
	if err := r.ensureSession(ctx, ev.SessionID); err != nil {
		r.log.Warn("record session failed", slog.String("session_id", ev.SessionID), slog.String("error", err.Error()))
		return
	}
	err := r.store.AppendEvent(ctx, Event{
		SessionID:   ev.SessionID,
		UtteranceID: ev.UtteranceID,
		Kind:        string(ev.Kind),
		Text:        ev.Text,
		CreatedAt:   ev.Timestamp,
	})
	if err != nil {
		r.log.Warn("record event failed", slog.String("kind", string(ev.Kind)), slog.String("error", err.Error()))
	}

	if ev.Kind == events.KindStatus && ev.Text == events.StatusStopped {
		r.finish(ctx, ev.SessionID)
	}
}

func (r *Recorder) ensureSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[sessionID] {
		return nil
	}
	device := ""
	if r.device != nil {
		device = r.device(sessionID)
	}
	if err := r.store.BeginSession(ctx, sessionID, device); err != nil {
		return err
	}
	r.seen[sessionID] = true
	return nil
}

func (r *Recorder) finish(ctx context.Context, sessionID string) {
	r.mu.Lock()
	delete(r.seen, sessionID)
	r.mu.Unlock()

	if err := r.store.EndSession(ctx, sessionID); err != nil {
		r.log.Warn("close session record failed", slog.String("error", err.Error()))
	}
	if err := r.store.Prune(ctx); err != nil {
		r.log.Warn("event store prune failed", slog.String("error", err.Error()))
	}
}
