//go:build !whispercpp

package stt

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

func TestWhisperUnavailableWithoutBuildTag(t *testing.T) {
	refiner, err := NewRefiner(config.RefineConfig{Mode: "whisper", ModelPath: "ggml-base.en.bin"}, audio.DefaultFormat)
	if err != nil {
		t.Fatalf("refiner: %v", err)
	}
	err = NewLazy(refiner).Load(context.Background())
	if !errors.Is(err, ErrModelLoad) || !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("expected unavailable model load error, got %v", err)
	}
}
