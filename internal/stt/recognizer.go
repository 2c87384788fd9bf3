package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	// ErrModelLoad marks a recognizer whose model could not be loaded. The
	// owning worker stays inert for the rest of the session.
	ErrModelLoad = errors.New("model load failed")
	// ErrNativeUnavailable is returned by backends that need a build tag the
	// binary was not compiled with.
	ErrNativeUnavailable = errors.New("native backend not compiled in")
)

// Hypothesis is one streaming result. Final marks an endpoint the streaming
// model has committed to; it becomes a draft, not a final transcript.
type Hypothesis struct {
	Text  string
	Final bool
}

// StreamingModel is loaded once per process and opens one Stream per session.
type StreamingModel interface {
	NewStream(format audio.Format) (Stream, error)
	Close() error
}

// Stream consumes frames in capture order and returns any hypotheses they
// produced. An empty result is normal.
type Stream interface {
	Accept(pcm []byte) ([]Hypothesis, error)
	Close() error
}

// Flusher is implemented by streams that can be told an utterance ended
// before their own endpointing fired. Flush returns the pending text as a
// Final hypothesis and starts the next utterance from scratch.
type Flusher interface {
	Flush() ([]Hypothesis, error)
}

// Refiner transcribes a whole utterance. Samples are mono float32 in [-1, 1).
type Refiner interface {
	Load(ctx context.Context) error
	Refine(ctx context.Context, samples []float32) (string, error)
	Close() error
}

// NewStreamingModel loads the configured streaming backend. A returned error
// wraps ErrModelLoad when the backend exists but its model is unusable.
func NewStreamingModel(cfg config.STTConfig) (StreamingModel, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockStreamingModel(), nil
	case "exec":
		return NewExecStreamingModel(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// NewRefiner builds the configured refinement backend without loading it.
func NewRefiner(cfg config.RefineConfig, format audio.Format) (Refiner, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRefiner(format.SampleRate), nil
	case "exec":
		return NewExecRefiner(cfg, format)
	case "whisper":
		return newWhisperRefiner(cfg), nil
	default:
		return nil, fmt.Errorf("unknown refine mode %q", cfg.Mode)
	}
}
