package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrDevice marks capture device failures (open or read).
var ErrDevice = errors.New("audio device error")

// Format describes the PCM layout shared by capture, VAD and both recognizers.
type Format struct {
	SampleRate    int
	FrameDuration time.Duration
	Channels      int
}

// DefaultFormat is mono 16-bit PCM at 16 kHz in 20 ms frames.
var DefaultFormat = Format{
	SampleRate:    16000,
	FrameDuration: 20 * time.Millisecond,
	Channels:      1,
}

// FrameSamples is the number of samples in one frame.
func (f Format) FrameSamples() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// FrameBytes is the size of one frame as s16le PCM.
func (f Format) FrameBytes() int {
	return f.FrameSamples() * 2 * f.Channels
}

// FramesFor converts a duration into a whole number of frames, rounding down.
func (f Format) FramesFor(d time.Duration) int {
	if f.FrameDuration <= 0 {
		return 0
	}
	return int(d / f.FrameDuration)
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels != 1 {
		return fmt.Errorf("only mono audio is supported, got %d channels", f.Channels)
	}
	if f.FrameSamples() <= 0 {
		return fmt.Errorf("frame duration %s too short for %d Hz", f.FrameDuration, f.SampleRate)
	}
	return nil
}

// Frame is one fixed-size block of captured samples. Frames are never mutated
// after capture; consumers receive them by value through queues.
type Frame struct {
	Seq        uint64
	Samples    []int16
	CapturedAt time.Time
}

// PCM returns the frame as little-endian 16-bit PCM.
func (f Frame) PCM() []byte {
	return SamplesToPCM(f.Samples)
}

func (f Frame) Duration(format Format) time.Duration {
	if format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(format.SampleRate)
}

func SamplesToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMToSamples decodes s16le PCM. A trailing odd byte is ignored.
func PCMToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCMToFloat32 decodes s16le PCM into [-1, 1) floats, the layout whisper expects.
func PCMToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// Float32ToPCM is the inverse of PCMToFloat32. Values outside [-1, 1] clip.
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
