package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/segment"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/vad"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// capture reads frames until the session token is cancelled, the source
// runs dry, or the device fails. It owns the frame queue and closes it on
// exit so segmentation can drain what is left.
func (c *Controller) capture(sess *session, source audio.Source, log *slog.Logger) {
	log = log.With(slog.String("worker", "capture"))
	defer sess.frames.Close()
	defer func() {
		if err := source.Stop(); err != nil {
			log.Warn("audio source stop failed", slogError(err))
		}
	}()

	for {
		if sess.ctx.Err() != nil {
			return
		}
		frame, err := source.ReadFrame(sess.ctx)
		if err != nil {
			switch {
			case sess.ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				log.Info("audio source exhausted")
				c.deps.Bus.Status(c.parent, sess.id, events.StatusEndOfStream)
			default:
				log.Error("audio capture failed", slogError(err))
				c.deps.Bus.Error(c.parent, sess.id, "audio device error: "+err.Error())
			}
			c.endCapture(sess)
			return
		}

		sess.captured.Add(1)
		c.metrics.frameCaptured(sess.ctx)
		c.deps.Bus.PublishLevel(audio.Level(frame.Samples))

		if err := sess.frames.Put(sess.ctx, frame); err != nil {
			if errors.Is(err, queue.ErrRejected) {
				continue
			}
			return
		}
	}
}

// segmentation consumes every captured frame in order, including frames
// still queued after Stop. It owns the utterance queue.
func (c *Controller) segmentation(sess *session, classifier vad.Classifier, detector vad.Detector, stream stt.Stream, log *slog.Logger) {
	log = log.With(slog.String("worker", "segmentation"))
	defer sess.utterances.Close()
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn("streaming recognizer close failed", slogError(err))
		}
		_ = detector.Close()
	}()

	seg := segment.New(c.cfg.Segmenter, c.cfg.Format)
	partials := newPartialFilter(c.cfg.PartialMaxPerSec)
	streaming := true

	for frame := range sess.frames.C() {
		label := classifier.Classify(frame)
		utterance, outcome := seg.Push(frame, label)

		if streaming {
			hyps, err := stream.Accept(frame.PCM())
			if err != nil {
				// One failing stream should not spam the log for every frame.
				log.Warn("streaming recognizer failed, drafts disabled for this session", slogError(err))
				streaming = false
			}
			c.publishHypotheses(sess, seg.Current(), hyps, partials)
			// Bind the stream's pending text to the utterance that just
			// closed; Current still names it until the next one opens.
			if streaming && outcome != segment.None {
				streaming = c.flushStream(sess, stream, seg.Current(), partials, log)
			}
		}

		switch outcome {
		case segment.Dispatched:
			sess.dispatched.Add(1)
			c.metrics.utteranceDispatched(c.parent)
			log.Debug("utterance dispatched",
				slog.Uint64("utterance_id", utterance.ID),
				slog.Duration("duration", utterance.Duration))
			if err := sess.utterances.Put(c.parent, utterance); err != nil {
				log.Warn("utterance dropped", slog.Uint64("utterance_id", utterance.ID), slogError(err))
				continue
			}
			c.deps.Bus.Status(c.parent, sess.id, events.StatusRefining)
		case segment.Discarded:
			sess.discarded.Add(1)
			c.metrics.utteranceDiscarded(c.parent)
		}
	}

	if seg.Abandon() {
		log.Info("recording stopped mid-utterance, discarding it", slog.Uint64("utterance_id", seg.Current()))
	}
}

// flushStream commits whatever the stream holds for utterance. Streams
// without Flush keep their own endpointing, so a late draft from them may
// land on the following utterance.
func (c *Controller) flushStream(sess *session, stream stt.Stream, utterance uint64, partials *partialFilter, log *slog.Logger) bool {
	flusher, ok := stream.(stt.Flusher)
	if !ok {
		return true
	}
	hyps, err := flusher.Flush()
	if err != nil {
		log.Warn("streaming recognizer flush failed, drafts disabled for this session", slogError(err))
		return false
	}
	c.publishHypotheses(sess, utterance, hyps, partials)
	return true
}

func (c *Controller) publishHypotheses(sess *session, utterance uint64, hyps []stt.Hypothesis, partials *partialFilter) {
	for _, hyp := range hyps {
		if hyp.Final {
			partials.reset()
			c.deps.Bus.Draft(c.parent, sess.id, utterance, hyp.Text)
			continue
		}
		if text, ok := partials.admit(hyp.Text); ok {
			c.deps.Bus.Partial(c.parent, sess.id, utterance, text)
		}
	}
}

// refinement loads the refiner on first use and then refines every queued
// utterance until segmentation closes the queue. It runs on the controller's
// parent context so Stop never interrupts an in-flight inference.
func (c *Controller) refinement(sess *session, log *slog.Logger) {
	log = log.With(slog.String("worker", "refinement"))
	ctx := c.parent

	if !c.deps.Refiner.Loaded() {
		c.deps.Bus.Status(ctx, sess.id, events.StatusModelLoad)
		if err := c.deps.Refiner.Load(ctx); err != nil {
			log.Error("refinement model failed to load", slogError(err))
			c.deps.Bus.Error(ctx, sess.id, "refinement model failed to load: "+err.Error())
			for u := range sess.utterances.C() {
				log.Warn("no refinement model, dropping utterance", slog.Uint64("utterance_id", u.ID))
			}
			return
		}
		c.deps.Bus.Status(ctx, sess.id, events.StatusModelReady)
	}

	for u := range sess.utterances.C() {
		text, err := c.refine(ctx, sess, u)
		if err != nil {
			c.metrics.refineFailed(ctx)
			log.Warn("refinement failed", slog.Uint64("utterance_id", u.ID), slogError(err))
			continue
		}
		sess.refined.Add(1)
		if !c.deps.Bus.Final(ctx, sess.id, u.ID, text) {
			log.Debug("refinement produced no text", slog.Uint64("utterance_id", u.ID))
		}
	}
}

func (c *Controller) refine(ctx context.Context, sess *session, u segment.Utterance) (string, error) {
	ctx, span := c.metrics.tracer.Start(ctx, "pipeline.refine",
		trace.WithAttributes(
			attribute.String("session_id", sess.id),
			attribute.Int64("utterance_id", int64(u.ID)),
			attribute.Float64("audio_seconds", u.Duration.Seconds()),
		))
	defer span.End()

	if c.cfg.RefineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RefineTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := c.deps.Refiner.Refine(ctx, audio.PCMToFloat32(u.PCM))
	c.metrics.refineLatency(ctx, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

// partialFilter drops repeated partial text and caps the partial rate.
type partialFilter struct {
	limiter *rate.Limiter
	last    string
}

func newPartialFilter(perSecond float64) *partialFilter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &partialFilter{limiter: rate.NewLimiter(limit, 1)}
}

func (p *partialFilter) admit(text string) (string, bool) {
	if text == "" || text == p.last {
		return "", false
	}
	if !p.limiter.Allow() {
		return "", false
	}
	p.last = text
	return text, true
}

func (p *partialFilter) reset() { p.last = "" }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
