package tts

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/speak/tts/backend"
)

// LoadConfigFromViper loads the configuration from Viper, then applies
// environment overrides and validates the result.
func LoadConfigFromViper() (Config, error) {
	cfg := DefaultConfig()

	cfg.Backend = loadBackendConfig(cfg.Backend)
	cfg.Buffer = loadBufferConfig(cfg.Buffer)
	cfg.Audio = loadAudioConfig(cfg.Audio)
	cfg.Playback = loadPlaybackConfig(cfg.Playback)

	cfg.Telemetry = loadTelemetryConfig(cfg.Telemetry)

	if err := LoadEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadBackendConfig(c backend.Config) backend.Config {
	if viper.IsSet("backend.network") {
		c.Network = viper.GetString("backend.network")
	}
	if viper.IsSet("backend.address") {
		c.Address = viper.GetString("backend.address")
	}
	if viper.IsSet("backend.dial_timeout") {
		c.DialTimeout = viper.GetDuration("backend.dial_timeout")
	}
	if viper.IsSet("backend.model") {
		c.Model = viper.GetString("backend.model")
	}
	if viper.IsSet("backend.temperature") {
		c.Temperature = viper.GetFloat64("backend.temperature")
	}
	if viper.IsSet("backend.speed") {
		c.Speed = viper.GetFloat64("backend.speed")
	}
	if viper.IsSet("backend.voice") {
		c.Voice = viper.GetString("backend.voice")
	}
	return c
}

func loadBufferConfig(c BufferConfig) BufferConfig {
	if viper.IsSet("buffer.initial_seconds") {
		c.InitialSeconds = viper.GetFloat64("buffer.initial_seconds")
	}
	if viper.IsSet("buffer.min_seconds") {
		c.MinSeconds = viper.GetFloat64("buffer.min_seconds")
	}
	if viper.IsSet("buffer.resume_seconds") {
		c.ResumeSeconds = viper.GetFloat64("buffer.resume_seconds")
	}
	if viper.IsSet("buffer.capacity_seconds") {
		c.CapacitySeconds = viper.GetFloat64("buffer.capacity_seconds")
	}
	return c
}

func loadAudioConfig(c AudioConfig) AudioConfig {
	if viper.IsSet("audio.sample_rate") {
		c.SampleRate = viper.GetInt("audio.sample_rate")
	}
	if viper.IsSet("audio.block_size") {
		c.BlockSize = viper.GetInt("audio.block_size")
	}
	if viper.IsSet("audio.device") {
		c.Device = viper.GetString("audio.device")
	}
	if viper.IsSet("audio.volume") {
		c.Volume = viper.GetFloat64("audio.volume")
	}
	return c
}

func loadPlaybackConfig(c PlaybackConfig) PlaybackConfig {
	if viper.IsSet("playback.backpressure_interval") {
		c.BackpressureInterval = viper.GetDuration("playback.backpressure_interval")
	}
	if viper.IsSet("playback.backpressure_timeout") {
		c.BackpressureTimeout = viper.GetDuration("playback.backpressure_timeout")
	}
	if viper.IsSet("playback.monitor_interval") {
		c.MonitorInterval = viper.GetDuration("playback.monitor_interval")
	}
	if viper.IsSet("playback.finish_timeout") {
		c.FinishTimeout = viper.GetDuration("playback.finish_timeout")
	}
	return c
}

func loadTelemetryConfig(c TelemetryConfig) TelemetryConfig {
	if viper.IsSet("telemetry.metrics_addr") {
		c.MetricsAddr = viper.GetString("telemetry.metrics_addr")
	}
	if viper.IsSet("telemetry.otlp_endpoint") {
		c.OTLPEndpoint = viper.GetString("telemetry.otlp_endpoint")
	}
	if viper.IsSet("telemetry.otlp_insecure") {
		c.OTLPInsecure = viper.GetBool("telemetry.otlp_insecure")
	}
	if viper.IsSet("telemetry.trace_stdout") {
		c.TraceStdout = viper.GetBool("telemetry.trace_stdout")
	}
	return c
}

// SetDefaults sets default values in Viper for the configuration.
func SetDefaults() {
	d := DefaultConfig()

	viper.SetDefault("backend.network", d.Backend.Network)
	viper.SetDefault("backend.address", d.Backend.Address)
	viper.SetDefault("backend.dial_timeout", d.Backend.DialTimeout)
	viper.SetDefault("backend.model", d.Backend.Model)
	viper.SetDefault("backend.temperature", d.Backend.Temperature)
	viper.SetDefault("backend.speed", d.Backend.Speed)
	viper.SetDefault("backend.voice", d.Backend.Voice)

	viper.SetDefault("buffer.initial_seconds", d.Buffer.InitialSeconds)
	viper.SetDefault("buffer.min_seconds", d.Buffer.MinSeconds)
	viper.SetDefault("buffer.resume_seconds", d.Buffer.ResumeSeconds)
	viper.SetDefault("buffer.capacity_seconds", d.Buffer.CapacitySeconds)

	viper.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	viper.SetDefault("audio.block_size", d.Audio.BlockSize)
	viper.SetDefault("audio.device", d.Audio.Device)
	viper.SetDefault("audio.volume", d.Audio.Volume)

	viper.SetDefault("playback.backpressure_interval", d.Playback.BackpressureInterval)
	viper.SetDefault("playback.backpressure_timeout", d.Playback.BackpressureTimeout)
	viper.SetDefault("playback.monitor_interval", d.Playback.MonitorInterval)
	viper.SetDefault("playback.finish_timeout", d.Playback.FinishTimeout)

	viper.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
	viper.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	viper.SetDefault("telemetry.otlp_insecure", d.Telemetry.OTLPInsecure)
	viper.SetDefault("telemetry.trace_stdout", d.Telemetry.TraceStdout)
}
