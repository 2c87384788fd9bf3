// Package pipeline runs one transcription session at a time: capture, voice
// activity segmentation with streaming recognition, and utterance refinement,
// each on its own goroutine joined by bounded queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/segment"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

var (
	// ErrSessionActive rejects Start while a session is running or draining.
	ErrSessionActive = errors.New("session already active")
	// ErrModelUnavailable rejects Start when the streaming model failed to load.
	ErrModelUnavailable = errors.New("streaming model unavailable")
)

type State int

const (
	Stopped State = iota
	Running
	// Draining means capture has ended and queued work is still being processed.
	Draining
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "stopped"
	}
}

type Config struct {
	Format            audio.Format
	Segmenter         segment.Config
	VAD               vad.Config
	DefaultDevice     string
	FrameCapacity     int
	FramePolicy       queue.Policy
	UtteranceCapacity int
	UtterancePolicy   queue.Policy
	PartialMaxPerSec  float64
	RefineTimeout     time.Duration
}

// ConfigFrom derives the pipeline settings from the service configuration.
func ConfigFrom(cfg config.Config) (Config, error) {
	format := audio.Format{
		SampleRate:    cfg.Audio.SampleRate,
		FrameDuration: cfg.Audio.FrameDuration(),
		Channels:      1,
	}
	if err := format.Validate(); err != nil {
		return Config{}, err
	}
	seg, err := segment.ConfigFor(format, cfg.Segmenter.Silence(), cfg.Segmenter.MinUtterance())
	if err != nil {
		return Config{}, err
	}
	framePolicy, err := queue.ParsePolicy(cfg.Queues.FramePolicy)
	if err != nil {
		return Config{}, fmt.Errorf("queues.frame_policy: %w", err)
	}
	utterancePolicy, err := queue.ParsePolicy(cfg.Queues.UtterancePolicy)
	if err != nil {
		return Config{}, fmt.Errorf("queues.utterance_policy: %w", err)
	}
	return Config{
		Format:    format,
		Segmenter: seg,
		VAD: vad.Config{
			Engine:          cfg.VAD.Engine,
			Mode:            cfg.VAD.Mode,
			EnergyThreshold: cfg.VAD.EnergyThreshold,
		},
		DefaultDevice:     cfg.Audio.Device,
		FrameCapacity:     cfg.Queues.FrameCapacity,
		FramePolicy:       framePolicy,
		UtteranceCapacity: cfg.Queues.UtteranceCapacity,
		UtterancePolicy:   utterancePolicy,
		PartialMaxPerSec:  cfg.STT.PartialMaxPerSec,
		RefineTimeout:     cfg.Refine.Timeout(),
	}, nil
}

// Dependencies are the long-lived collaborators shared by every session.
type Dependencies struct {
	Bus *events.Bus
	// Streaming is nil when the model failed to load; StreamingErr says why.
	Streaming    stt.StreamingModel
	StreamingErr error
	Refiner      *stt.Lazy
	OpenSource   func(device string, format audio.Format) audio.Source
	NewDetector  func(cfg vad.Config, format audio.Format) (vad.Detector, error)
	Logger       *slog.Logger
}

// SessionInfo is a point-in-time view of the current or last session.
type SessionInfo struct {
	ID                   string    `json:"id,omitempty"`
	Device               string    `json:"device,omitempty"`
	State                string    `json:"state"`
	StartedAt            time.Time `json:"started_at,omitempty"`
	FramesCaptured       uint64    `json:"frames_captured"`
	FramesDropped        uint64    `json:"frames_dropped"`
	UtterancesDispatched uint64    `json:"utterances_dispatched"`
	UtterancesDiscarded  uint64    `json:"utterances_discarded"`
	UtterancesRefined    uint64    `json:"utterances_refined"`
	PendingUtterances    int       `json:"pending_utterances"`
}

type Controller struct {
	parent  context.Context
	cfg     Config
	deps    Dependencies
	log     *slog.Logger
	metrics *metrics

	mu      sync.Mutex
	state   State
	current *session
	last    *session
}

type session struct {
	id        string
	device    string
	startedAt time.Time

	// ctx is the session's cancellation token. Capture and segmentation
	// observe it; refinement deliberately does not.
	ctx    context.Context
	cancel context.CancelFunc

	frames     *queue.Queue[audio.Frame]
	utterances *queue.Queue[segment.Utterance]
	done       chan struct{}

	captured   atomic.Uint64
	dispatched atomic.Uint64
	discarded  atomic.Uint64
	refined    atomic.Uint64
}

// NewController builds a controller whose refinement work is bounded by
// parent, not by any session.
func NewController(parent context.Context, cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Bus == nil {
		return nil, errors.New("pipeline: event bus is required")
	}
	if deps.Refiner == nil {
		return nil, errors.New("pipeline: refiner is required")
	}
	if deps.OpenSource == nil {
		return nil, errors.New("pipeline: audio source factory is required")
	}
	if deps.NewDetector == nil {
		deps.NewDetector = vad.New
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(deps.Bus)
	if err != nil {
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}
	return &Controller{
		parent:  parent,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With(slog.String("component", "pipeline")),
		metrics: m,
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens the device and launches a new session. It fails with
// ErrSessionActive while a previous session is still running or draining.
func (c *Controller) Start(ctx context.Context, device string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Stopped {
		return "", ErrSessionActive
	}
	if c.deps.Streaming == nil {
		reason := "no streaming model configured"
		if c.deps.StreamingErr != nil {
			reason = c.deps.StreamingErr.Error()
		}
		c.deps.Bus.Error(c.parent, "", "speech model unavailable: "+reason)
		return "", fmt.Errorf("%w: %s", ErrModelUnavailable, reason)
	}
	if device == "" {
		device = c.cfg.DefaultDevice
	}
	id := uuid.NewString()

	source := c.deps.OpenSource(device, c.cfg.Format)
	if err := source.Start(ctx); err != nil {
		c.deps.Bus.Error(c.parent, id, fmt.Sprintf("could not open audio device %q: %v", device, err))
		return "", err
	}
	detector, err := c.deps.NewDetector(c.cfg.VAD, c.cfg.Format)
	if err != nil {
		_ = source.Stop()
		c.deps.Bus.Error(c.parent, id, "voice activity detector unavailable: "+err.Error())
		return "", fmt.Errorf("vad: %w", err)
	}
	stream, err := c.deps.Streaming.NewStream(c.cfg.Format)
	if err != nil {
		_ = source.Stop()
		_ = detector.Close()
		c.deps.Bus.Error(c.parent, id, "speech stream unavailable: "+err.Error())
		return "", fmt.Errorf("open stream: %w", err)
	}

	sessCtx, cancel := context.WithCancel(c.parent)
	sess := &session{
		id:         id,
		device:     device,
		startedAt:  time.Now().UTC(),
		ctx:        sessCtx,
		cancel:     cancel,
		frames:     queue.New[audio.Frame](c.cfg.FrameCapacity, c.cfg.FramePolicy),
		utterances: queue.New[segment.Utterance](c.cfg.UtteranceCapacity, c.cfg.UtterancePolicy),
		done:       make(chan struct{}),
	}
	c.state = Running
	c.current = sess
	c.last = sess

	log := c.log.With(slog.String("session_id", id))
	log.Info("session started", slog.String("device", device))
	c.deps.Bus.Status(c.parent, id, events.StatusListening)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.capture(sess, source, log)
	}()
	go func() {
		defer wg.Done()
		c.segmentation(sess, vad.Guard(detector, c.deps.Logger), detector, stream, log)
	}()
	go func() {
		defer wg.Done()
		c.refinement(sess, log)
	}()
	go c.supervise(sess, &wg, log)

	return id, nil
}

// Stop ends capture for the running session. Queued utterances are still
// refined; use Wait to block until that drain completes. Stop on a stopped
// controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	c.endCapture(sess)
	return nil
}

// Wait blocks until the current session, if any, has fully stopped.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session describes the current session, or the last one once stopped.
func (c *Controller) Session() SessionInfo {
	c.mu.Lock()
	state := c.state
	sess := c.last
	c.mu.Unlock()

	info := SessionInfo{State: state.String()}
	if sess == nil {
		return info
	}
	info.ID = sess.id
	info.Device = sess.device
	info.StartedAt = sess.startedAt
	info.FramesCaptured = sess.captured.Load()
	info.FramesDropped = sess.frames.Dropped()
	info.UtterancesDispatched = sess.dispatched.Load()
	info.UtterancesDiscarded = sess.discarded.Load()
	info.UtterancesRefined = sess.refined.Load()
	info.PendingUtterances = sess.utterances.Len()
	return info
}

// endCapture moves a running session to draining and cancels its token. It
// is safe to call from any worker and more than once.
func (c *Controller) endCapture(sess *session) {
	c.mu.Lock()
	transition := c.current == sess && c.state == Running
	if transition {
		c.state = Draining
	}
	c.mu.Unlock()
	if transition {
		c.deps.Bus.Status(c.parent, sess.id, events.StatusStopping)
	}
	sess.cancel()
}

func (c *Controller) supervise(sess *session, wg *sync.WaitGroup, log *slog.Logger) {
	wg.Wait()
	sess.cancel()
	c.metrics.framesDropped(c.parent, sess.frames.Dropped())
	c.deps.Bus.Status(c.parent, sess.id, events.StatusStopped)

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
		c.state = Stopped
	}
	c.mu.Unlock()

	log.Info("session stopped",
		slog.Uint64("frames", sess.captured.Load()),
		slog.Uint64("utterances", sess.dispatched.Load()),
		slog.Uint64("refined", sess.refined.Load()))
	close(sess.done)
}
