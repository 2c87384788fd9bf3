package vad

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// DefaultEnergyThreshold is an RMS level (in int16 units) that separates a
// quiet room from close-talk speech.
const DefaultEnergyThreshold = 500

// Energy is an RMS threshold detector. It needs no cgo and is useful for
// synthetic input and tests.
type Energy struct {
	threshold float64
}

func NewEnergy(threshold float64) *Energy {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &Energy{threshold: threshold}
}

func (e *Energy) IsSpeech(pcm []byte) (bool, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return false, fmt.Errorf("malformed frame of %d bytes", len(pcm))
	}
	samples := audio.PCMToSamples(pcm)
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return rms >= e.threshold, nil
}

func (e *Energy) Close() error { return nil }
