//go:build !whispercpp

package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type unavailableRefiner struct{}

// newWhisperRefiner reports the native backend as unavailable; build with
// -tags whispercpp and libwhisper on the linker path to enable it.
func newWhisperRefiner(config.RefineConfig) Refiner {
	return unavailableRefiner{}
}

func (unavailableRefiner) Load(context.Context) error {
	return fmt.Errorf("%w: %w", ErrModelLoad, ErrNativeUnavailable)
}

func (unavailableRefiner) Refine(context.Context, []float32) (string, error) {
	return "", ErrNativeUnavailable
}

func (unavailableRefiner) Close() error { return nil }
