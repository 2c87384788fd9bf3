// Package vad labels audio frames as speech or non-speech.
package vad

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

type Label bool

const (
	NonSpeech Label = false
	Speech    Label = true
)

func (l Label) String() string {
	if l {
		return "speech"
	}
	return "non_speech"
}

// Classifier is the per-frame decision used by the segmenter. It never fails.
type Classifier interface {
	Classify(frame audio.Frame) Label
}

// Detector is a raw VAD engine that may reject malformed input.
type Detector interface {
	IsSpeech(pcm []byte) (bool, error)
	Close() error
}

type Config struct {
	Engine          string
	Mode            int
	EnergyThreshold float64
}

// New builds the configured detector for the given audio format.
func New(cfg Config, format audio.Format) (Detector, error) {
	switch cfg.Engine {
	case "webrtc", "":
		return NewWebRTC(cfg.Mode, format)
	case "energy":
		return NewEnergy(cfg.EnergyThreshold), nil
	default:
		return nil, fmt.Errorf("unknown vad engine %q (want webrtc|energy)", cfg.Engine)
	}
}

type guard struct {
	detector Detector
	log      *slog.Logger
}

// Guard wraps a Detector so that any failure, including a panic inside the
// engine, is reported as NonSpeech. Treating bad frames as silence lets an
// open utterance close instead of buffering forever.
func Guard(detector Detector, logger *slog.Logger) Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &guard{detector: detector, log: logger.With(slog.String("component", "vad"))}
}

func (g *guard) Classify(frame audio.Frame) (label Label) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Debug("vad panic, treating frame as non-speech", slog.Uint64("seq", frame.Seq), slog.Any("panic", r))
			label = NonSpeech
		}
	}()
	speech, err := g.detector.IsSpeech(frame.PCM())
	if err != nil {
		g.log.Debug("vad failed, treating frame as non-speech", slog.Uint64("seq", frame.Seq), slog.String("error", err.Error()))
		return NonSpeech
	}
	return Label(speech)
}
