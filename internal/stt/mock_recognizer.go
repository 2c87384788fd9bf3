package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// mockSpeechLevel is the meter level above which the mock stream treats a
// frame as voiced.
const mockSpeechLevel = 0.02

type mockStreamingModel struct {
	endpointFrames int
}

// NewMockStreamingModel returns a model whose streams describe the audio
// rather than transcribe it. A run of voiced frames yields a partial per
// frame and a final hypothesis after 15 quiet frames.
func NewMockStreamingModel() StreamingModel {
	return NewMockStreamingModelWithEndpoint(15)
}

// NewMockStreamingModelWithEndpoint is NewMockStreamingModel with a custom
// number of quiet frames before the stream commits. Zero or less disables
// endpointing so only Flush commits.
func NewMockStreamingModelWithEndpoint(frames int) StreamingModel {
	return &mockStreamingModel{endpointFrames: frames}
}

func (m *mockStreamingModel) NewStream(format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &mockStream{endpoint: m.endpointFrames}, nil
}

func (m *mockStreamingModel) Close() error { return nil }

type mockStream struct {
	endpoint int
	voiced   int
	quiet    int
}

func (s *mockStream) Accept(pcm []byte) ([]Hypothesis, error) {
	if audio.Level(audio.PCMToSamples(pcm)) > mockSpeechLevel {
		s.voiced++
		s.quiet = 0
		return []Hypothesis{{Text: fmt.Sprintf("speaking (%d frames)", s.voiced)}}, nil
	}
	if s.voiced == 0 {
		return nil, nil
	}
	s.quiet++
	if s.endpoint <= 0 || s.quiet < s.endpoint {
		return nil, nil
	}
	return s.commit(), nil
}

func (s *mockStream) Flush() ([]Hypothesis, error) {
	if s.voiced == 0 {
		return nil, nil
	}
	return s.commit(), nil
}

func (s *mockStream) commit() []Hypothesis {
	text := fmt.Sprintf("heard %d frames", s.voiced)
	s.voiced, s.quiet = 0, 0
	return []Hypothesis{{Text: text, Final: true}}
}

func (s *mockStream) Close() error { return nil }

type mockRefiner struct {
	sampleRate int
}

func NewMockRefiner(sampleRate int) Refiner {
	return &mockRefiner{sampleRate: sampleRate}
}

func (m *mockRefiner) Load(context.Context) error { return nil }

func (m *mockRefiner) Refine(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seconds := 0.0
	if m.sampleRate > 0 {
		seconds = float64(len(samples)) / float64(m.sampleRate)
	}
	return fmt.Sprintf("[utterance %.2fs]", seconds), nil
}

func (m *mockRefiner) Close() error { return nil }
