package vad

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// WebRTC wraps the WebRTC voice activity detector. It accepts 10, 20 or 30 ms
// frames at 8, 16, 32 or 48 kHz.
type WebRTC struct {
	vad        *webrtcvad.VAD
	sampleRate int
	frameBytes int
	mode       int
}

// NewWebRTC creates a detector with aggressiveness mode 0 (least) to 3 (most).
func NewWebRTC(mode int, format audio.Format) (*WebRTC, error) {
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("vad mode must be between 0 and 3, got %d", mode)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set vad mode: %w", err)
	}
	frameBytes := format.FrameBytes()
	if !v.ValidRateAndFrameLength(format.SampleRate, frameBytes/2) {
		return nil, fmt.Errorf("webrtc vad cannot process %d-sample frames at %d Hz", frameBytes/2, format.SampleRate)
	}
	return &WebRTC{vad: v, sampleRate: format.SampleRate, frameBytes: frameBytes, mode: mode}, nil
}

func (w *WebRTC) IsSpeech(pcm []byte) (bool, error) {
	if len(pcm) != w.frameBytes {
		return false, fmt.Errorf("frame is %d bytes, want %d", len(pcm), w.frameBytes)
	}
	active, err := w.vad.Process(w.sampleRate, pcm)
	if err != nil {
		return false, fmt.Errorf("webrtc vad: %w", err)
	}
	return active, nil
}

func (w *WebRTC) Mode() int { return w.mode }

func (w *WebRTC) Close() error { return nil }
