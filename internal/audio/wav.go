package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a mono 16-bit WAV file as a frame stream. ReadFrame
// returns io.EOF once the file is exhausted. With Paced set, frames are
// released at the rate they would arrive from a live device.
type WAVSource struct {
	Path   string
	Format Format
	Paced  bool

	mu      sync.Mutex
	file    *os.File
	decoder *wav.Decoder
	buf     *goaudio.IntBuffer
	seq     uint64
	started time.Time
}

func NewWAVSource(path string, format Format, paced bool) *WAVSource {
	return &WAVSource{Path: path, Format: format, Paced: paced}
}

func (s *WAVSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return fmt.Errorf("%w: wav source already started", ErrDevice)
	}
	file, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrDevice, s.Path, err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return fmt.Errorf("%w: %s is not a valid wav file", ErrDevice, s.Path)
	}
	if int(dec.SampleRate) != s.Format.SampleRate || int(dec.NumChans) != s.Format.Channels || dec.BitDepth != 16 {
		file.Close()
		return fmt.Errorf("%w: %s is %d Hz/%d ch/%d bit, want %d Hz/%d ch/16 bit",
			ErrDevice, s.Path, dec.SampleRate, dec.NumChans, dec.BitDepth, s.Format.SampleRate, s.Format.Channels)
	}
	s.file = file
	s.decoder = dec
	s.buf = &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: s.Format.Channels, SampleRate: s.Format.SampleRate},
		Data:   make([]int, s.Format.FrameSamples()),
	}
	s.seq = 0
	s.started = time.Now()
	return nil
}

func (s *WAVSource) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder == nil {
		return Frame{}, fmt.Errorf("%w: wav source not started", ErrDevice)
	}
	if s.Paced {
		due := s.started.Add(time.Duration(s.seq) * s.Format.FrameDuration)
		if wait := time.Until(due); wait > 0 {
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return Frame{}, fmt.Errorf("%w: read %s: %v", ErrDevice, s.Path, err)
	}
	if n == 0 {
		return Frame{}, io.EOF
	}
	// A short final block is zero-padded so every frame has the fixed size.
	samples := make([]int16, s.Format.FrameSamples())
	for i := 0; i < n && i < len(samples); i++ {
		samples[i] = int16(s.buf.Data[i])
	}
	frame := Frame{Seq: s.seq, Samples: samples, CapturedAt: time.Now()}
	s.seq++
	return frame, nil
}

func (s *WAVSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.decoder = nil
	return err
}

// WriteWAV encodes s16le PCM as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := PCMToSamples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:   data,
	}
	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
