package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execCloseGrace bounds how long a stream helper may take to exit after its
// stdin is closed.
const execCloseGrace = 2 * time.Second

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}

// checkModel resolves the helper binary and model path up front so a bad
// install fails at load time rather than on the first utterance.
func checkModel(binary, modelPath string, required bool) error {
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if modelPath == "" {
		if required {
			return fmt.Errorf("%w: model path is empty", ErrModelLoad)
		}
		return nil
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	return nil
}

type execStreamingModel struct {
	cmd       []string
	modelPath string
}

type execHypothesis struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// NewExecStreamingModel checks the helper command and model. Each stream runs
// its own helper process that reads raw s16le PCM on stdin and writes one
// JSON object per line on stdout.
func NewExecStreamingModel(cfg config.STTConfig) (StreamingModel, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	if err := checkModel(args[0], cfg.ModelPath, true); err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	return &execStreamingModel{cmd: args, modelPath: cfg.ModelPath}, nil
}

func (m *execStreamingModel) NewStream(format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	args := append([]string{}, m.cmd[1:]...)
	args = append(args, "--model", m.modelPath, "--sample-rate", strconv.Itoa(format.SampleRate))

	cmd := exec.Command(m.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stdout: %w", err)
	}
	stream := &execStream{
		cmd:     cmd,
		stdin:   stdin,
		results: make(chan Hypothesis, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	cmd.Stderr = &stream.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stt helper: %w", err)
	}
	go stream.read(stdout)
	return stream, nil
}

func (m *execStreamingModel) Close() error { return nil }

type execStream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  bytes.Buffer
	results chan Hypothesis
	done    chan struct{}
	quit    chan struct{}
	readErr error
	once    sync.Once
}

func (s *execStream) read(stdout io.Reader) {
	defer close(s.done)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var hyp execHypothesis
		if err := json.Unmarshal(line, &hyp); err != nil {
			// Helpers sometimes print banners; skip anything that is not a result.
			continue
		}
		select {
		case s.results <- Hypothesis{Text: hyp.Text, Final: hyp.Final}:
		case <-s.quit:
			// keep draining so the helper never blocks on a full pipe
		}
	}
	s.readErr = scanner.Err()
}

// Accept forwards the frame to the helper and returns whatever results it
// has produced so far. Results for this frame may arrive on a later call.
func (s *execStream) Accept(pcm []byte) ([]Hypothesis, error) {
	select {
	case <-s.done:
		out := s.pending()
		if s.readErr != nil {
			return out, fmt.Errorf("stt helper output: %w", s.readErr)
		}
		return out, fmt.Errorf("stt helper exited")
	default:
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		return s.pending(), fmt.Errorf("write to stt helper: %w", err)
	}
	return s.pending(), nil
}

func (s *execStream) pending() []Hypothesis {
	var out []Hypothesis
	for {
		select {
		case hyp := <-s.results:
			out = append(out, hyp)
		default:
			return out
		}
	}
}

func (s *execStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		_ = s.stdin.Close()
		select {
		case <-s.done:
		case <-time.After(execCloseGrace):
			_ = s.cmd.Process.Kill()
			<-s.done
		}
		if waitErr := s.cmd.Wait(); waitErr != nil && s.stderr.Len() > 0 {
			err = fmt.Errorf("stt helper: %w: %s", waitErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return err
}

type execRefiner struct {
	cmd    []string
	cfg    config.RefineConfig
	format audio.Format
	mu     sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecRefiner runs a transcription CLI once per utterance against a
// temporary WAV file.
func NewExecRefiner(cfg config.RefineConfig, format audio.Format) (Refiner, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}
	return &execRefiner{cmd: args, cfg: cfg, format: format}, nil
}

func (r *execRefiner) Load(context.Context) error {
	return checkModel(r.cmd[0], r.cfg.ModelPath, false)
}

func (r *execRefiner) Refine(ctx context.Context, samples []float32) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "scribe_utterance_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, audio.Float32ToPCM(samples), r.format); err != nil {
		return "", err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("refine command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseRefineOutput(stdout.Bytes())
}

func (r *execRefiner) Close() error { return nil }

// parseRefineOutput accepts either {"text": "..."} or plain text.
func parseRefineOutput(out []byte) (string, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var resp execResult
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return "", fmt.Errorf("decode refine response: %w", err)
		}
		return strings.TrimSpace(resp.Text), nil
	}
	return string(trimmed), nil
}
