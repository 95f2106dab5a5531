package tts

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dgnsrekt/speak/tts/audio"
	"github.com/dgnsrekt/speak/tts/backend"
)

// Config contains all streaming playback options.
type Config struct {
	Backend   backend.Config  `yaml:"backend" mapstructure:"backend"`
	Buffer    BufferConfig    `yaml:"buffer" mapstructure:"buffer"`
	Audio     AudioConfig     `yaml:"audio" mapstructure:"audio"`
	Playback  PlaybackConfig  `yaml:"playback" mapstructure:"playback"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// BufferConfig holds the buffering thresholds, in seconds of audio.
type BufferConfig struct {
	InitialSeconds  float64 `yaml:"initial_seconds" mapstructure:"initial_seconds" env:"SPEAK_BUFFER_INITIAL_SECONDS"`
	MinSeconds      float64 `yaml:"min_seconds" mapstructure:"min_seconds" env:"SPEAK_BUFFER_MIN_SECONDS"`
	ResumeSeconds   float64 `yaml:"resume_seconds" mapstructure:"resume_seconds" env:"SPEAK_BUFFER_RESUME_SECONDS"`
	CapacitySeconds float64 `yaml:"capacity_seconds" mapstructure:"capacity_seconds" env:"SPEAK_BUFFER_CAPACITY_SECONDS"`
}

// AudioConfig contains output device settings.
type AudioConfig struct {
	SampleRate int     `yaml:"sample_rate" mapstructure:"sample_rate" env:"SPEAK_AUDIO_SAMPLE_RATE"`
	BlockSize  int     `yaml:"block_size" mapstructure:"block_size" env:"SPEAK_AUDIO_BLOCK_SIZE"`
	Device     string  `yaml:"device" mapstructure:"device" env:"SPEAK_AUDIO_DEVICE"`
	Volume     float64 `yaml:"volume" mapstructure:"volume" env:"SPEAK_AUDIO_VOLUME"`
}

// PlaybackConfig contains orchestration timings.
type PlaybackConfig struct {
	BackpressureInterval time.Duration `yaml:"backpressure_interval" mapstructure:"backpressure_interval" env:"SPEAK_PLAYBACK_BACKPRESSURE_INTERVAL"`
	BackpressureTimeout  time.Duration `yaml:"backpressure_timeout" mapstructure:"backpressure_timeout" env:"SPEAK_PLAYBACK_BACKPRESSURE_TIMEOUT"`
	MonitorInterval      time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval" env:"SPEAK_PLAYBACK_MONITOR_INTERVAL"`
	// FinishTimeout bounds the wait for the device after generation ends.
	// Zero waits indefinitely.
	FinishTimeout time.Duration `yaml:"finish_timeout" mapstructure:"finish_timeout" env:"SPEAK_PLAYBACK_FINISH_TIMEOUT"`
}

// TelemetryConfig controls metric and trace export. Everything is off
// when the fields are empty.
type TelemetryConfig struct {
	// MetricsAddr is where the Prometheus endpoint listens, e.g. ":9464".
	MetricsAddr  string `yaml:"metrics_addr" mapstructure:"metrics_addr" env:"SPEAK_TELEMETRY_METRICS_ADDR"`
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint" env:"SPEAK_TELEMETRY_OTLP_ENDPOINT"`
	OTLPInsecure bool   `yaml:"otlp_insecure" mapstructure:"otlp_insecure" env:"SPEAK_TELEMETRY_OTLP_INSECURE"`
	// TraceStdout prints spans to stderr when no OTLP endpoint is set.
	TraceStdout bool `yaml:"trace_stdout" mapstructure:"trace_stdout" env:"SPEAK_TELEMETRY_TRACE_STDOUT"`
}

var validSampleRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:  backend.DefaultConfig(),
		Buffer:   DefaultBufferConfig(),
		Audio:    DefaultAudioConfig(),
		Playback: DefaultPlaybackConfig(),
	}
}

// DefaultBufferConfig returns default buffering thresholds.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		InitialSeconds:  3.0,
		MinSeconds:      1.0,
		ResumeSeconds:   2.0,
		CapacitySeconds: 30,
	}
}

// DefaultAudioConfig returns default device settings.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate: 24000,
		BlockSize:  1024,
		Device:     audio.DeviceAuto,
		Volume:     1.0,
	}
}

// DefaultPlaybackConfig returns default orchestration timings.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		BackpressureInterval: 10 * time.Millisecond,
		BackpressureTimeout:  30 * time.Second,
		MonitorInterval:      100 * time.Millisecond,
	}
}

// LoadEnv overrides cfg with any SPEAK_* environment variables that are set.
func LoadEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("%w: backend: %w", ErrInvalidConfig, err)
	}
	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	return nil
}

// Validate checks the thresholds and the capacity they need.
func (c *BufferConfig) Validate() error {
	if _, err := c.StreamConfig(); err != nil {
		return err
	}
	if need := max(c.InitialSeconds, c.ResumeSeconds); c.CapacitySeconds < need {
		return fmt.Errorf("%w: capacity_seconds %.2f must be at least %.2f", ErrInvalidConfig, c.CapacitySeconds, need)
	}
	return nil
}

// StreamConfig returns the state machine thresholds.
func (c BufferConfig) StreamConfig() (StreamConfig, error) {
	return NewStreamConfig(c.InitialSeconds, c.MinSeconds, c.ResumeSeconds)
}

// Validate checks if the audio configuration is valid.
func (c *AudioConfig) Validate() error {
	if !slices.Contains(validSampleRates, c.SampleRate) {
		return fmt.Errorf("%w %d: must be one of %v", ErrInvalidSampleRate, c.SampleRate, validSampleRates)
	}
	if c.BlockSize < 64 || c.BlockSize > 16384 {
		return fmt.Errorf("%w: block_size must be between 64 and 16384, got %d", ErrInvalidConfig, c.BlockSize)
	}

	validDevices := []string{audio.DeviceAuto, audio.DeviceOto, audio.DeviceMock}
	device := strings.ToLower(c.Device)
	if !slices.Contains(validDevices, device) {
		return fmt.Errorf("%w: invalid device %q: must be one of %v", ErrInvalidConfig, c.Device, validDevices)
	}
	c.Device = device

	if c.Volume < 0.0 || c.Volume > 2.0 {
		return fmt.Errorf("%w: volume must be between 0.0 and 2.0, got %f", ErrInvalidConfig, c.Volume)
	}
	return nil
}

// Validate checks if the playback timings are valid.
func (c *PlaybackConfig) Validate() error {
	if c.BackpressureInterval <= 0 {
		return fmt.Errorf("%w: backpressure_interval must be positive, got %v", ErrInvalidConfig, c.BackpressureInterval)
	}
	if c.BackpressureTimeout < c.BackpressureInterval {
		return fmt.Errorf("%w: backpressure_timeout %v is shorter than backpressure_interval %v",
			ErrInvalidConfig, c.BackpressureTimeout, c.BackpressureInterval)
	}
	if c.MonitorInterval < 0 || c.FinishTimeout < 0 {
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	}
	return nil
}

// BufferCapacity returns the ring buffer size in samples.
func (c *Config) BufferCapacity() int {
	return int(c.Buffer.CapacitySeconds * float64(c.Audio.SampleRate))
}
