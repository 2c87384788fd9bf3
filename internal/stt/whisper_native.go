//go:build whispercpp

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type whisperRefiner struct {
	modelPath string
	language  string

	mu    sync.Mutex
	model whisper.Model
}

func newWhisperRefiner(cfg config.RefineConfig) Refiner {
	return &whisperRefiner{modelPath: cfg.ModelPath, language: cfg.Language}
}

func (w *whisperRefiner) Load(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model != nil {
		return nil
	}
	model, err := whisper.New(w.modelPath)
	if err != nil {
		return fmt.Errorf("%w: load whisper model %s: %w", ErrModelLoad, w.modelPath, err)
	}
	w.model = model
	return nil
}

// Refine runs whisper on the utterance. The C call cannot be interrupted, so
// ctx is only checked before it starts.
func (w *whisperRefiner) Refine(ctx context.Context, samples []float32) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return "", fmt.Errorf("%w: whisper model not loaded", ErrModelLoad)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper context: %w", err)
	}
	if w.language != "" {
		if err := wctx.SetLanguage(w.language); err != nil {
			return "", fmt.Errorf("whisper language %q: %w", w.language, err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (w *whisperRefiner) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return nil
	}
	err := w.model.Close()
	w.model = nil
	return err
}
