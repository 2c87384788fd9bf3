// Package segment groups labelled frames into utterances.
package segment

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Outcome reports what a Push did with the open utterance.
type Outcome int

const (
	None Outcome = iota
	// Dispatched means the utterance closed and is long enough to refine.
	Dispatched
	// Discarded means the utterance closed below the minimum duration.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case Discarded:
		return "discarded"
	default:
		return "none"
	}
}

type Config struct {
	// SilenceFrames is the trailing-silence tolerance; the utterance closes on
	// the first non-speech frame that pushes the counter past it.
	SilenceFrames int
	// MinFrames is the smallest buffered length (speech plus trailing
	// silence) worth sending to refinement.
	MinFrames int
}

// ConfigFor derives frame thresholds from durations for the given format.
func ConfigFor(format audio.Format, silence, minUtterance time.Duration) (Config, error) {
	cfg := Config{
		SilenceFrames: format.FramesFor(silence),
		MinFrames:     format.FramesFor(minUtterance),
	}
	if cfg.SilenceFrames < 1 {
		return cfg, fmt.Errorf("silence threshold %s is shorter than one %s frame", silence, format.FrameDuration)
	}
	if cfg.MinFrames < 1 {
		return cfg, fmt.Errorf("minimum utterance %s is shorter than one %s frame", minUtterance, format.FrameDuration)
	}
	return cfg, nil
}

// Utterance is a closed run of frames. It owns its PCM; the segmenter keeps
// no reference after handing it out.
type Utterance struct {
	ID       uint64
	PCM      []byte
	Frames   int
	FirstSeq uint64
	LastSeq  uint64
	Duration time.Duration
}

// Segmenter is the per-session state machine. It is not safe for concurrent
// use; the segmentation worker owns it.
type Segmenter struct {
	cfg    Config
	format audio.Format

	state   State
	nextID  uint64
	current uint64
	silence int
	frames  int
	first   uint64
	last    uint64
	pcm     []byte
}

func New(cfg Config, format audio.Format) *Segmenter {
	return &Segmenter{cfg: cfg, format: format}
}

// Push feeds one labelled frame. When the push closes an utterance the
// returned Outcome is Dispatched or Discarded; the Utterance value is only
// meaningful for Dispatched.
func (s *Segmenter) Push(frame audio.Frame, label vad.Label) (Utterance, Outcome) {
	if s.state == Idle {
		if label == vad.NonSpeech {
			return Utterance{}, None
		}
		s.open(frame)
		return Utterance{}, None
	}

	s.append(frame)
	if label == vad.Speech {
		s.silence = 0
		return Utterance{}, None
	}
	s.silence++
	if s.silence <= s.cfg.SilenceFrames {
		return Utterance{}, None
	}
	return s.close()
}

func (s *Segmenter) open(frame audio.Frame) {
	s.nextID++
	s.current = s.nextID
	s.state = Active
	s.silence = 0
	s.frames = 0
	s.first = frame.Seq
	s.pcm = make([]byte, 0, s.format.FrameBytes()*(s.cfg.MinFrames+s.cfg.SilenceFrames+1))
	s.append(frame)
}

func (s *Segmenter) append(frame audio.Frame) {
	s.pcm = append(s.pcm, frame.PCM()...)
	s.frames++
	s.last = frame.Seq
}

func (s *Segmenter) close() (Utterance, Outcome) {
	defer s.reset()
	if s.frames < s.cfg.MinFrames {
		return Utterance{}, Discarded
	}
	u := Utterance{
		ID:       s.current,
		PCM:      s.pcm,
		Frames:   s.frames,
		FirstSeq: s.first,
		LastSeq:  s.last,
		Duration: time.Duration(s.frames) * s.format.FrameDuration,
	}
	return u, Dispatched
}

// reset drops the buffer reference so the handed-out PCM is never touched again.
func (s *Segmenter) reset() {
	s.state = Idle
	s.silence = 0
	s.frames = 0
	s.pcm = nil
}

// Abandon drops an open utterance without dispatching it. Recording that
// stops mid-speech loses the partial utterance.
func (s *Segmenter) Abandon() (abandoned bool) {
	abandoned = s.state == Active
	s.reset()
	return abandoned
}

// Current is the id of the open utterance, or of the most recently opened
// one while idle. Zero means no utterance has started yet.
func (s *Segmenter) Current() uint64 { return s.current }

func (s *Segmenter) State() State { return s.state }

// Buffered is the number of frames in the open utterance.
func (s *Segmenter) Buffered() int { return s.frames }

func (s *Segmenter) Config() Config { return s.cfg }
