package audio

import (
	"math"
	"testing"
	"time"
)

func TestDefaultFormatDerivesFrameSize(t *testing.T) {
	if got := DefaultFormat.FrameSamples(); got != 320 {
		t.Fatalf("expected 320 samples per frame, got %d", got)
	}
	if got := DefaultFormat.FrameBytes(); got != 640 {
		t.Fatalf("expected 640 bytes per frame, got %d", got)
	}
	if got := DefaultFormat.FramesFor(500 * time.Millisecond); got != 25 {
		t.Fatalf("expected 25 frames for 500ms, got %d", got)
	}
	if got := DefaultFormat.FramesFor(time.Second); got != 50 {
		t.Fatalf("expected 50 frames for 1s, got %d", got)
	}
}

func TestFormatValidate(t *testing.T) {
	if err := DefaultFormat.Validate(); err != nil {
		t.Fatalf("default format invalid: %v", err)
	}
	stereo := DefaultFormat
	stereo.Channels = 2
	if err := stereo.Validate(); err == nil {
		t.Fatal("expected stereo to be rejected")
	}
	tiny := DefaultFormat
	tiny.FrameDuration = time.Microsecond
	if err := tiny.Validate(); err == nil {
		t.Fatal("expected zero-sample frame to be rejected")
	}
}

func TestPCMRoundTripPreservesExtremes(t *testing.T) {
	samples := []int16{0, 1, -1, math.MaxInt16, math.MinInt16}
	got := PCMToSamples(SamplesToPCM(samples))
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestPCMToFloat32Range(t *testing.T) {
	f := PCMToFloat32(SamplesToPCM([]int16{math.MinInt16, 0, math.MaxInt16}))
	if f[0] != -1 {
		t.Fatalf("expected -1 for min sample, got %v", f[0])
	}
	if f[1] != 0 {
		t.Fatalf("expected 0, got %v", f[1])
	}
	if f[2] >= 1 || f[2] < 0.999 {
		t.Fatalf("expected just under 1, got %v", f[2])
	}
}

func TestLevelBounds(t *testing.T) {
	n := DefaultFormat.FrameSamples()
	silence := make([]int16, n)
	if got := Level(silence); got != 0 {
		t.Fatalf("expected silence level 0, got %v", got)
	}
	if got := Level(nil); got != 0 {
		t.Fatalf("expected empty level 0, got %v", got)
	}

	maxed := make([]int16, n)
	minned := make([]int16, n)
	for i := range maxed {
		maxed[i] = math.MaxInt16
		minned[i] = math.MinInt16
	}
	if got := Level(maxed); got != 1 {
		t.Fatalf("expected full scale capped at 1, got %v", got)
	}
	if got := Level(minned); got != 1 {
		t.Fatalf("expected negative full scale capped at 1, got %v", got)
	}

	// A large block must not overflow into a bogus value.
	huge := make([]int16, n*1000)
	for i := range huge {
		huge[i] = math.MinInt16
	}
	if got := Level(huge); got != 1 {
		t.Fatalf("expected huge block capped at 1, got %v", got)
	}

	quiet := make([]int16, n)
	for i := range quiet {
		quiet[i] = 100
	}
	got := Level(quiet)
	if got <= 0 || got >= 1 {
		t.Fatalf("expected quiet level inside (0,1), got %v", got)
	}
}

func TestLevelMonotonicInAmplitude(t *testing.T) {
	n := DefaultFormat.FrameSamples()
	prev := -1.0
	for amp := 0; amp <= math.MaxInt16; amp += 1024 {
		block := make([]int16, n)
		for i := range block {
			block[i] = int16(amp)
		}
		got := Level(block)
		if got < prev {
			t.Fatalf("level decreased at amplitude %d: %v < %v", amp, got, prev)
		}
		if got < 0 || got > 1 {
			t.Fatalf("level out of range at amplitude %d: %v", amp, got)
		}
		prev = got
	}
}
