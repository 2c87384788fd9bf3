package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// PortAudioSource captures frames from a PortAudio input device using
// blocking reads of exactly one frame each.
type PortAudioSource struct {
	identifier string
	format     audio.Format

	mu          sync.Mutex
	stream      *portaudio.Stream
	buffer      []int16
	seq         uint64
	initialized bool
}

// NewPortAudioSource selects a device by identifier: "" or "default" for the
// system default input, a numeric device index, or an exact device name.
func NewPortAudioSource(identifier string, format audio.Format) *PortAudioSource {
	return &PortAudioSource{identifier: strings.TrimSpace(identifier), format: format}
}

func (s *PortAudioSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return fmt.Errorf("%w: capture already running", audio.ErrDevice)
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %v", audio.ErrDevice, err)
	}
	s.initialized = true

	dev, err := resolveDevice(s.identifier)
	if err != nil {
		s.terminate()
		return err
	}

	s.buffer = make([]int16, s.format.FrameSamples())
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: s.format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.format.SampleRate),
		FramesPerBuffer: s.format.FrameSamples(),
	}
	stream, err := portaudio.OpenStream(params, s.buffer)
	if err != nil {
		s.terminate()
		return fmt.Errorf("%w: open input stream on %q: %v", audio.ErrDevice, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		s.terminate()
		return fmt.Errorf("%w: start input stream: %v", audio.ErrDevice, err)
	}
	s.stream = stream
	s.seq = 0
	return nil
}

func (s *PortAudioSource) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return audio.Frame{}, fmt.Errorf("%w: capture not running", audio.ErrDevice)
	}
	// Overflow means samples were lost upstream; the buffer still holds a
	// complete frame, so keep going like a non-strict read.
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return audio.Frame{}, fmt.Errorf("%w: read: %v", audio.ErrDevice, err)
	}
	samples := make([]int16, len(s.buffer))
	copy(samples, s.buffer)
	frame := audio.Frame{Seq: s.seq, Samples: samples, CapturedAt: time.Now()}
	s.seq++
	return frame, nil
}

func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		s.stream = nil
	}
	if err := s.terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *PortAudioSource) terminate() error {
	if !s.initialized {
		return nil
	}
	s.initialized = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}

func resolveDevice(identifier string) (*portaudio.DeviceInfo, error) {
	if identifier == "" || strings.EqualFold(identifier, DefaultIdentifier) {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", audio.ErrDevice, err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", audio.ErrDevice, err)
	}
	if index, convErr := strconv.Atoi(identifier); convErr == nil {
		// Devices() is ordered by PortAudio device index.
		if index >= 0 && index < len(devices) && devices[index].MaxInputChannels > 0 {
			return devices[index], nil
		}
		return nil, fmt.Errorf("%w: no input device with index %d", audio.ErrDevice, index)
	}
	for _, dev := range devices {
		if dev.Name == identifier && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: input device not found: %s", audio.ErrDevice, identifier)
}

// Info describes an input-capable device.
type Info struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	IsDefault         bool    `json:"is_default"`
}

// ListInputDevices returns every device with at least one input channel.
func ListInputDevices() ([]Info, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var out []Info
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, Info{
			Index:             i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefault:         dev.Name == defaultName,
		})
	}
	return out, nil
}
