package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/segment"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

type scriptedSource struct {
	speech    []bool
	live      bool
	failAfter int
	startErr  error

	pos     int
	stopped bool
}

func (s *scriptedSource) Start(context.Context) error { return s.startErr }

func (s *scriptedSource) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if s.failAfter > 0 && s.pos == s.failAfter {
		return audio.Frame{}, fmt.Errorf("%w: unplugged", audio.ErrDevice)
	}
	if s.pos >= len(s.speech) {
		if s.live {
			<-ctx.Done()
			return audio.Frame{}, ctx.Err()
		}
		return audio.Frame{}, io.EOF
	}
	samples := make([]int16, audio.DefaultFormat.FrameSamples())
	if s.speech[s.pos] {
		for i := range samples {
			samples[i] = 4000
			if i%2 == 1 {
				samples[i] = -4000
			}
		}
	}
	frame := audio.Frame{Seq: uint64(s.pos), Samples: samples, CapturedAt: time.Now()}
	s.pos++
	return frame, nil
}

func (s *scriptedSource) Stop() error {
	s.stopped = true
	return nil
}

// script expands alternating silence/speech run lengths, starting with silence.
func script(runs ...int) []bool {
	var out []bool
	speech := false
	for _, n := range runs {
		for i := 0; i < n; i++ {
			out = append(out, speech)
		}
		speech = !speech
	}
	return out
}

type fakeRefiner struct {
	mu        sync.Mutex
	failLoads int
	loads     int
	calls     int
	gate      chan struct{}
	blank     bool
}

func (f *fakeRefiner) Load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loads <= f.failLoads {
		return fmt.Errorf("%w: corrupt weights", stt.ErrModelLoad)
	}
	return nil
}

func (f *fakeRefiner) Refine(ctx context.Context, samples []float32) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.blank {
		return "   ", nil
	}
	return fmt.Sprintf("refined %d (%d samples)", f.calls, len(samples)), nil
}

func (f *fakeRefiner) Close() error { return nil }

type harness struct {
	ctrl    *Controller
	bus     *events.Bus
	refiner *fakeRefiner
	sources []*scriptedSource
}

func testConfig(t *testing.T) Config {
	t.Helper()
	seg, err := segment.ConfigFor(audio.DefaultFormat, 500*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("segment config: %v", err)
	}
	return Config{
		Format:            audio.DefaultFormat,
		Segmenter:         seg,
		VAD:               vad.Config{Engine: "energy", EnergyThreshold: 500},
		DefaultDevice:     "test-mic",
		FrameCapacity:     256,
		FramePolicy:       queue.Block,
		UtteranceCapacity: 16,
		UtterancePolicy:   queue.Block,
		RefineTimeout:     5 * time.Second,
	}
}

func newHarness(t *testing.T, refiner *fakeRefiner, sources ...*scriptedSource) *harness {
	t.Helper()
	return newHarnessWith(t, stt.NewMockStreamingModel(), refiner, sources...)
}

func newHarnessWith(t *testing.T, streaming stt.StreamingModel, refiner *fakeRefiner, sources ...*scriptedSource) *harness {
	t.Helper()
	h := &harness{
		bus:     events.NewBus(events.Options{EventCapacity: 4096}),
		refiner: refiner,
		sources: sources,
	}
	next := 0
	var mu sync.Mutex
	ctrl, err := NewController(context.Background(), testConfig(t), Dependencies{
		Bus:       h.bus,
		Streaming: streaming,
		Refiner:   stt.NewLazy(refiner),
		OpenSource: func(string, audio.Format) audio.Source {
			mu.Lock()
			defer mu.Unlock()
			src := h.sources[next]
			next++
			return src
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ctrl.Wait(ctx); err != nil {
		t.Fatalf("session did not stop: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ofKind(evs []events.Event, kind events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func countStatus(evs []events.Event, text string) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == events.KindStatus && ev.Text == text {
			n++
		}
	}
	return n
}

func TestShortRunIsDiscardedEndToEnd(t *testing.T) {
	src := &scriptedSource{speech: script(40, 20, 30, 40, 30)}
	h := newHarness(t, &fakeRefiner{}, src)

	id, err := h.ctrl.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t)
	evs := h.bus.Drain()

	finals := ofKind(evs, events.KindFinal)
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final, got %v", finals)
	}
	if finals[0].UtteranceID != 2 || finals[0].SessionID != id {
		t.Fatalf("final should belong to utterance 2 of %s, got %+v", id, finals[0])
	}
	// 40 speech frames plus 26 trailing silence frames at 320 samples each.
	if !strings.Contains(finals[0].Text, "(21120 samples)") {
		t.Fatalf("unexpected refined audio length: %q", finals[0].Text)
	}
	info := h.ctrl.Session()
	if info.UtterancesDiscarded != 1 || info.UtterancesDispatched != 1 {
		t.Fatalf("unexpected counts %+v", info)
	}
	if countStatus(evs, events.StatusStopped) != 1 {
		t.Fatalf("expected one stopped status")
	}
	if h.ctrl.State() != Stopped {
		t.Fatalf("expected stopped, got %s", h.ctrl.State())
	}
	if !src.stopped {
		t.Fatal("source was not stopped")
	}
}

func TestLongerRunsBothDispatched(t *testing.T) {
	h := newHarness(t, &fakeRefiner{}, &scriptedSource{speech: script(40, 30, 30, 40, 30)})
	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t)
	finals := ofKind(h.bus.Drain(), events.KindFinal)
	if len(finals) != 2 || finals[0].UtteranceID != 1 || finals[1].UtteranceID != 2 {
		t.Fatalf("expected finals for utterances 1 and 2, got %v", finals)
	}
}

func TestDraftsAndPartialsCarryUtteranceIDs(t *testing.T) {
	h := newHarness(t, &fakeRefiner{}, &scriptedSource{speech: script(10, 30, 30, 40, 30)})
	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t)
	evs := h.bus.Drain()

	drafts := ofKind(evs, events.KindDraft)
	if len(drafts) != 2 {
		t.Fatalf("expected a draft per utterance, got %v", drafts)
	}
	if drafts[0].UtteranceID != 1 || drafts[1].UtteranceID != 2 {
		t.Fatalf("drafts tagged with wrong ids: %v", drafts)
	}
	for _, ev := range evs {
		if ev.Kind.Transcript() && strings.TrimSpace(ev.Text) == "" {
			t.Fatalf("empty transcript event emitted: %+v", ev)
		}
	}
	partials := ofKind(evs, events.KindPartial)
	if len(partials) == 0 {
		t.Fatal("expected partial events")
	}
	for i := 1; i < len(partials); i++ {
		if partials[i].Text == partials[i-1].Text {
			t.Fatalf("duplicate consecutive partial %q", partials[i].Text)
		}
	}
}

func TestStreamFlushedWhenUtteranceCloses(t *testing.T) {
	// Endpointing disabled: the stream only commits when the segmenter
	// closes an utterance, so every draft must carry the closed id.
	h := newHarnessWith(t, stt.NewMockStreamingModelWithEndpoint(0), &fakeRefiner{},
		&scriptedSource{speech: script(10, 30, 30, 40, 30)})
	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t)
	evs := h.bus.Drain()

	drafts := ofKind(evs, events.KindDraft)
	if len(drafts) != 2 {
		t.Fatalf("expected one flushed draft per utterance, got %v", drafts)
	}
	for i, d := range drafts {
		if d.UtteranceID != uint64(i+1) || !strings.HasPrefix(d.Text, "heard ") {
			t.Fatalf("draft %d tagged or worded wrong: %+v", i, d)
		}
	}
	// The draft for utterance 1 is emitted before any event of utterance 2.
	for _, ev := range evs {
		if ev.UtteranceID == 2 {
			t.Fatalf("utterance 2 event %+v preceded the flushed draft of utterance 1", ev)
		}
		if ev.Kind == events.KindDraft {
			break
		}
	}
}

func TestStopDrainsQueuedUtterances(t *testing.T) {
	refiner := &fakeRefiner{gate: make(chan struct{})}
	src := &scriptedSource{speech: script(10, 40, 30, 40, 30, 40, 30), live: true}
	h := newHarness(t, refiner, src)

	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "three dispatched utterances", func() bool {
		return h.ctrl.Session().UtterancesDispatched == 3
	})

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if state := h.ctrl.State(); state != Draining {
		t.Fatalf("expected draining while refinement is blocked, got %s", state)
	}

	close(refiner.gate)
	h.wait(t)
	evs := h.bus.Drain()

	if finals := ofKind(evs, events.KindFinal); len(finals) != 3 {
		t.Fatalf("expected all queued utterances refined after stop, got %d", len(finals))
	}
	if n := countStatus(evs, events.StatusStopped); n != 1 {
		t.Fatalf("expected one stopped status, got %d", n)
	}
	if n := countStatus(evs, events.StatusStopping); n != 1 {
		t.Fatalf("expected one stopping status, got %d", n)
	}
	if errs := ofKind(evs, events.KindError); len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop while stopped: %v", err)
	}
	if extra := h.bus.Drain(); len(extra) != 0 {
		t.Fatalf("stop while stopped emitted %v", extra)
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	first := &scriptedSource{speech: script(5), live: true}
	second := &scriptedSource{speech: script(5), live: true}
	h := newHarness(t, &fakeRefiner{}, first, second)

	firstID, err := h.ctrl.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.ctrl.Start(context.Background(), ""); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	_ = h.ctrl.Stop()
	h.wait(t)

	secondID, err := h.ctrl.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if secondID == firstID {
		t.Fatal("sessions must get distinct ids")
	}
	_ = h.ctrl.Stop()
	h.wait(t)
}

func TestMissingStreamingModelRejectsStart(t *testing.T) {
	bus := events.NewBus(events.Options{})
	ctrl, err := NewController(context.Background(), testConfig(t), Dependencies{
		Bus:          bus,
		StreamingErr: fmt.Errorf("%w: model directory missing", stt.ErrModelLoad),
		Refiner:      stt.NewLazy(&fakeRefiner{}),
		OpenSource: func(string, audio.Format) audio.Source {
			t.Fatal("device must not be opened without a model")
			return nil
		},
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if _, err := ctrl.Start(context.Background(), ""); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	evs := bus.Drain()
	if len(evs) != 1 || evs[0].Kind != events.KindError || !strings.Contains(evs[0].Text, "model directory missing") {
		t.Fatalf("expected a single error event, got %v", evs)
	}
	if ctrl.State() != Stopped {
		t.Fatal("controller should remain stopped")
	}
}

func TestRefinerLoadFailureRetriedNextSession(t *testing.T) {
	refiner := &fakeRefiner{failLoads: 1}
	h := newHarness(t, refiner,
		&scriptedSource{speech: script(10, 40, 30)},
		&scriptedSource{speech: script(10, 40, 30)},
	)

	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t)
	evs := h.bus.Drain()
	if len(ofKind(evs, events.KindError)) != 1 {
		t.Fatalf("expected one load error event, got %v", ofKind(evs, events.KindError))
	}
	if len(ofKind(evs, events.KindFinal)) != 0 {
		t.Fatal("no finals expected without a refinement model")
	}
	if countStatus(evs, events.StatusModelLoad) != 1 {
		t.Fatal("expected a loading status before the failed load")
	}

	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("second start: %v", err)
	}
	h.wait(t)
	evs = h.bus.Drain()
	if countStatus(evs, events.StatusModelReady) != 1 {
		t.Fatal("expected the model to load on the next session")
	}
	if len(ofKind(evs, events.KindFinal)) != 1 {
		t.Fatalf("expected a final after the retry, got %v", evs)
	}
}

func TestBlankRefinementIsSuppressed(t *testing.T) {
	h := newHarness(t, &fakeRefiner{blank: true}, &scriptedSource{speech: script(10, 40, 30)})
	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t)
	evs := h.bus.Drain()
	if finals := ofKind(evs, events.KindFinal); len(finals) != 0 {
		t.Fatalf("blank refinement must not produce a final: %v", finals)
	}
	if h.ctrl.Session().UtterancesRefined != 1 {
		t.Fatal("utterance should still count as refined")
	}
}

func TestDeviceErrorEndsSession(t *testing.T) {
	src := &scriptedSource{speech: script(5, 20), failAfter: 12, live: true}
	h := newHarness(t, &fakeRefiner{}, src)
	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t)
	evs := h.bus.Drain()
	errs := ofKind(evs, events.KindError)
	if len(errs) != 1 || !strings.Contains(errs[0].Text, "unplugged") {
		t.Fatalf("expected device error event, got %v", errs)
	}
	if countStatus(evs, events.StatusStopped) != 1 {
		t.Fatal("expected stopped status after device failure")
	}
	if h.ctrl.Session().FramesCaptured != 12 {
		t.Fatalf("expected 12 frames before the failure, got %d", h.ctrl.Session().FramesCaptured)
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	src := &scriptedSource{startErr: fmt.Errorf("%w: no such device", audio.ErrDevice)}
	h := newHarness(t, &fakeRefiner{}, src)
	_, err := h.ctrl.Start(context.Background(), "usb-mic")
	if !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	evs := h.bus.Drain()
	if len(evs) != 1 || evs[0].Kind != events.KindError || !strings.Contains(evs[0].Text, "usb-mic") {
		t.Fatalf("expected an error event naming the device, got %v", evs)
	}
	if h.ctrl.State() != Stopped {
		t.Fatal("failed start must leave the controller stopped")
	}
}

func TestPartialFilter(t *testing.T) {
	f := newPartialFilter(0)
	if _, ok := f.admit("hello"); !ok {
		t.Fatal("first partial should pass")
	}
	if _, ok := f.admit("hello"); ok {
		t.Fatal("duplicate partial should be dropped")
	}
	if _, ok := f.admit(""); ok {
		t.Fatal("empty partial should be dropped")
	}
	f.reset()
	if _, ok := f.admit("hello"); !ok {
		t.Fatal("partial after reset should pass")
	}

	limited := newPartialFilter(0.001)
	if _, ok := limited.admit("one"); !ok {
		t.Fatal("burst of one should pass")
	}
	if _, ok := limited.admit("two"); ok {
		t.Fatal("second partial should be rate limited")
	}
}

func TestConfigFromDefaults(t *testing.T) {
	cfg, err := ConfigFrom(config.Default())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Segmenter.SilenceFrames != 25 || cfg.Segmenter.MinFrames != 50 {
		t.Fatalf("unexpected thresholds %+v", cfg.Segmenter)
	}
	if cfg.FramePolicy != queue.DropOldest || cfg.UtterancePolicy != queue.Block {
		t.Fatalf("unexpected policies %s/%s", cfg.FramePolicy, cfg.UtterancePolicy)
	}
}
