package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Audio        AudioConfig        `yaml:"audio"`
	VAD          VADConfig          `yaml:"vad"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	STT          STTConfig          `yaml:"stt"`
	Refine       RefineConfig       `yaml:"refine"`
	Queues       QueuesConfig       `yaml:"queues"`
	Presentation PresentationConfig `yaml:"presentation"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Stream         string   `yaml:"stream"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// NodeID names this instance in presence announcements; empty means
	// the host name.
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes the capture format. Only mono 16-bit PCM is supported.
type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	Device          string `yaml:"device"`
}

type VADConfig struct {
	Engine          string  `yaml:"engine"` // webrtc, energy
	Mode            int     `yaml:"mode"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

type SegmenterConfig struct {
	SilenceMS      int `yaml:"silence_ms"`
	MinUtteranceMS int `yaml:"min_utterance_ms"`
}

type STTConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	PartialMaxPerSec float64 `yaml:"partial_max_per_sec"`
}

type RefineConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type QueuesConfig struct {
	FrameCapacity     int    `yaml:"frame_capacity"`
	FramePolicy       string `yaml:"frame_policy"`
	UtteranceCapacity int    `yaml:"utterance_capacity"`
	UtterancePolicy   string `yaml:"utterance_policy"`
	EventCapacity     int    `yaml:"event_capacity"`
	EventPolicy       string `yaml:"event_policy"`
	LevelCapacity     int    `yaml:"level_capacity"`
}

type PresentationConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "127.0.0.1",
			Port:              8080,
			ShutdownTimeoutMS: 30000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:           false,
			Embedded:          true,
			Port:              4222,
			StoreDir:          "./data/nats",
			Stream:            "SCRIBE_TRANSCRIPTS",
			Servers:           []string{"nats://localhost:4222"},
			ConnectTimeout:    2000,
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			FrameDurationMS: 20,
			Device:          "default",
		},
		VAD: VADConfig{
			Engine:          "webrtc",
			Mode:            2,
			EnergyThreshold: 500,
		},
		Segmenter: SegmenterConfig{
			SilenceMS:      500,
			MinUtteranceMS: 1000,
		},
		STT: STTConfig{
			Mode:             "mock",
			PartialMaxPerSec: 10,
		},
		Refine: RefineConfig{
			Mode:      "mock",
			Language:  "en",
			TimeoutMS: 120000,
		},
		Queues: QueuesConfig{
			FrameCapacity:     500,
			FramePolicy:       "drop_oldest",
			UtteranceCapacity: 64,
			UtterancePolicy:   "block",
			EventCapacity:     1024,
			EventPolicy:       "block",
			LevelCapacity:     64,
		},
		Presentation: PresentationConfig{
			PollIntervalMS: 50,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c AudioConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMS) * time.Millisecond
}

func (c SegmenterConfig) Silence() time.Duration {
	return time.Duration(c.SilenceMS) * time.Millisecond
}

func (c SegmenterConfig) MinUtterance() time.Duration {
	return time.Duration(c.MinUtteranceMS) * time.Millisecond
}

func (c RefineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c PresentationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c HTTPConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideInt(&cfg.HTTP.ShutdownTimeoutMS, "SCRIBE_HTTP_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideString(&cfg.Bus.Stream, "SCRIBE_BUS_STREAM")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "SCRIBE_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatInterval, "SCRIBE_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeout, "SCRIBE_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.EventStore.Enabled, "SCRIBE_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameDurationMS, "SCRIBE_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Audio.Device, "SCRIBE_AUDIO_DEVICE")
	overrideString(&cfg.VAD.Engine, "SCRIBE_VAD_ENGINE")
	overrideInt(&cfg.VAD.Mode, "SCRIBE_VAD_MODE")
	overrideFloat(&cfg.VAD.EnergyThreshold, "SCRIBE_VAD_ENERGY_THRESHOLD")
	overrideInt(&cfg.Segmenter.SilenceMS, "SCRIBE_SEGMENTER_SILENCE_MS")
	overrideInt(&cfg.Segmenter.MinUtteranceMS, "SCRIBE_SEGMENTER_MIN_UTTERANCE_MS")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideFloat(&cfg.STT.PartialMaxPerSec, "SCRIBE_STT_PARTIAL_MAX_PER_SEC")
	overrideString(&cfg.Refine.Mode, "SCRIBE_REFINE_MODE")
	overrideString(&cfg.Refine.Command, "SCRIBE_REFINE_COMMAND")
	overrideString(&cfg.Refine.ModelPath, "SCRIBE_REFINE_MODEL_PATH")
	overrideString(&cfg.Refine.Language, "SCRIBE_REFINE_LANGUAGE")
	overrideInt(&cfg.Refine.TimeoutMS, "SCRIBE_REFINE_TIMEOUT_MS")
	overrideInt(&cfg.Queues.FrameCapacity, "SCRIBE_QUEUES_FRAME_CAPACITY")
	overrideString(&cfg.Queues.FramePolicy, "SCRIBE_QUEUES_FRAME_POLICY")
	overrideInt(&cfg.Queues.UtteranceCapacity, "SCRIBE_QUEUES_UTTERANCE_CAPACITY")
	overrideString(&cfg.Queues.UtterancePolicy, "SCRIBE_QUEUES_UTTERANCE_POLICY")
	overrideInt(&cfg.Queues.EventCapacity, "SCRIBE_QUEUES_EVENT_CAPACITY")
	overrideString(&cfg.Queues.EventPolicy, "SCRIBE_QUEUES_EVENT_POLICY")
	overrideInt(&cfg.Queues.LevelCapacity, "SCRIBE_QUEUES_LEVEL_CAPACITY")
	overrideInt(&cfg.Presentation.PollIntervalMS, "SCRIBE_PRESENTATION_POLL_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.ShutdownTimeoutMS <= 0 {
		return errors.New("http.shutdown_timeout_ms must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatInterval <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
		if cfg.Bus.HeartbeatTimeout <= cfg.Bus.HeartbeatInterval {
			return errors.New("bus.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
			// ok
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
	}
	if err := validateAudio(cfg.Audio, cfg.VAD); err != nil {
		return err
	}
	if err := validateSegmenter(cfg.Segmenter, cfg.Audio); err != nil {
		return err
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.PartialMaxPerSec < 0 {
		return errors.New("stt.partial_max_per_sec must be >= 0")
	}
	switch cfg.Refine.Mode {
	case "mock":
	case "exec":
		if cfg.Refine.Command == "" {
			return errors.New("refine.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.Refine.ModelPath == "" {
			return errors.New("refine.model_path must be set when mode=whisper")
		}
	default:
		return errors.New("refine.mode must be one of mock|exec|whisper")
	}
	if cfg.Refine.TimeoutMS < 0 {
		return errors.New("refine.timeout_ms must be >= 0")
	}
	if err := validateQueues(cfg.Queues); err != nil {
		return err
	}
	if cfg.Presentation.PollIntervalMS <= 0 {
		return errors.New("presentation.poll_interval_ms must be positive")
	}
	return nil
}

func validateAudio(audio AudioConfig, vad VADConfig) error {
	if audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if audio.SampleRate*audio.FrameDurationMS%1000 != 0 {
		return fmt.Errorf("audio.frame_duration_ms %d does not divide into whole samples at %d Hz", audio.FrameDurationMS, audio.SampleRate)
	}
	switch vad.Engine {
	case "webrtc":
		switch audio.SampleRate {
		case 8000, 16000, 32000, 48000:
		default:
			return fmt.Errorf("audio.sample_rate %d is not supported by the webrtc vad (8000|16000|32000|48000)", audio.SampleRate)
		}
		switch audio.FrameDurationMS {
		case 10, 20, 30:
		default:
			return fmt.Errorf("audio.frame_duration_ms %d is not supported by the webrtc vad (10|20|30)", audio.FrameDurationMS)
		}
		if vad.Mode < 0 || vad.Mode > 3 {
			return errors.New("vad.mode must be between 0 and 3")
		}
	case "energy":
		if vad.EnergyThreshold <= 0 {
			return errors.New("vad.energy_threshold must be positive")
		}
	default:
		return errors.New("vad.engine must be one of webrtc|energy")
	}
	return nil
}

// validateSegmenter checks the thresholds still make sense once rounded to
// whole frames.
func validateSegmenter(seg SegmenterConfig, audio AudioConfig) error {
	if seg.SilenceMS < audio.FrameDurationMS {
		return fmt.Errorf("segmenter.silence_ms must be at least one frame (%d ms)", audio.FrameDurationMS)
	}
	if seg.MinUtteranceMS < audio.FrameDurationMS {
		return fmt.Errorf("segmenter.min_utterance_ms must be at least one frame (%d ms)", audio.FrameDurationMS)
	}
	return nil
}

func validateQueues(q QueuesConfig) error {
	capacities := map[string]int{
		"queues.frame_capacity":     q.FrameCapacity,
		"queues.utterance_capacity": q.UtteranceCapacity,
		"queues.event_capacity":     q.EventCapacity,
		"queues.level_capacity":     q.LevelCapacity,
	}
	for name, value := range capacities {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	policies := map[string]string{
		"queues.frame_policy":     q.FramePolicy,
		"queues.utterance_policy": q.UtterancePolicy,
		"queues.event_policy":     q.EventPolicy,
	}
	for name, value := range policies {
		switch value {
		case "block", "drop_oldest", "drop_newest", "reject":
		default:
			return fmt.Errorf("%s must be one of block|drop_oldest|drop_newest", name)
		}
	}
	return nil
}
