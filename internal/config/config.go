// SPDX-License-Identifier: MIT
//
// Package config holds runtime configuration for the engine, loaded
// from defaults, an optional YAML file, environment overrides, and
// finally command-line flags (applied by cmd). Config values are fixed
// before the audio stream opens; changing audio parameters afterwards
// requires stream re-creation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"soundcore/pkg/bitint"
)

// Boundaries and defaults for the audio engine.
const (
	DefaultSampleRate      = 44100
	DefaultChannels        = 2
	DefaultFramesPerBuffer = 512
	DefaultFFTSize         = 512
	DefaultDeviceID        = "" // empty selects the system default device

	MinSampleRate   = 8000
	MaxSampleRate   = 192000
	MaxBufferFrames = 8192

	// Health monitor thresholds: consecutive underruns before the
	// backend is considered degraded, then failed.
	DegradedUnderrunThreshold = 3
	FailedUnderrunThreshold   = 10
)

// Config is the root application configuration.
type Config struct {
	Debug     bool            `yaml:"debug"`
	LogLevel  string          `yaml:"log_level"`
	Audio     AudioConfig     `yaml:"audio"`
	Spectrum  SpectrumConfig  `yaml:"spectrum"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Transport TransportConfig `yaml:"transport"`
}

// AudioConfig holds stream settings. Immutable once a stream is open.
type AudioConfig struct {
	OutputDevice    string  `yaml:"output_device"`     // device ID, "" for default
	SampleRate      float64 `yaml:"sample_rate"`       // Hz
	Channels        int     `yaml:"channels"`          // 1=mono, 2=stereo
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // block size, power of 2
	LowLatency      bool    `yaml:"low_latency"`       // request low-latency device settings
	ExclusiveMode   bool    `yaml:"exclusive_mode"`    // request exclusive device access where supported
}

// SpectrumConfig holds analyzer settings.
type SpectrumConfig struct {
	FFTSize   int     `yaml:"fft_size"`  // power of 2
	Smoothing float64 `yaml:"smoothing"` // exponential smoothing factor [0,1)
}

// MonitorConfig holds backend health-check settings.
type MonitorConfig struct {
	Interval    time.Duration `yaml:"interval"`     // health check cadence
	StopTimeout time.Duration `yaml:"stop_timeout"` // bounded stream teardown
}

// TransportConfig holds spectrum broadcast settings.
type TransportConfig struct {
	WebSocketEnabled bool   `yaml:"websocket_enabled"`
	WebSocketPort    string `yaml:"websocket_port"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Debug:    false,
		LogLevel: "info",
		Audio: AudioConfig{
			OutputDevice:    DefaultDeviceID,
			SampleRate:      DefaultSampleRate,
			Channels:        DefaultChannels,
			FramesPerBuffer: DefaultFramesPerBuffer,
			LowLatency:      false,
			ExclusiveMode:   false,
		},
		Spectrum: SpectrumConfig{
			FFTSize:   DefaultFFTSize,
			Smoothing: 0.7,
		},
		Monitor: MonitorConfig{
			Interval:    250 * time.Millisecond,
			StopTimeout: 2 * time.Second,
		},
		Transport: TransportConfig{
			WebSocketEnabled: false,
			WebSocketPort:    "8080",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates the result. An empty path
// checks "config.yaml" in the working directory.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration describes a stream the engine
// can actually open.
func (c *Config) Validate() error {
	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		return fmt.Errorf("audio.sample_rate %.0f outside [%d, %d]",
			c.Audio.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 8 {
		return fmt.Errorf("audio.channels %d outside [1, 8]", c.Audio.Channels)
	}
	if c.Audio.FramesPerBuffer <= 0 || c.Audio.FramesPerBuffer > MaxBufferFrames {
		return fmt.Errorf("audio.frames_per_buffer %d outside (0, %d]",
			c.Audio.FramesPerBuffer, MaxBufferFrames)
	}
	if !bitint.IsPowerOfTwo(c.Spectrum.FFTSize) {
		return fmt.Errorf("spectrum.fft_size %d must be a power of 2", c.Spectrum.FFTSize)
	}
	if c.Spectrum.Smoothing < 0 || c.Spectrum.Smoothing >= 1 {
		return fmt.Errorf("spectrum.smoothing %.2f outside [0, 1)", c.Spectrum.Smoothing)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.StopTimeout <= 0 {
		return fmt.Errorf("monitor.stop_timeout must be positive")
	}
	return nil
}

// applyEnvOverrides applies SOUNDCORE_* environment variables on top of
// whatever the file provided.
func (c *Config) applyEnvOverrides() {
	if val, ok := os.LookupEnv("SOUNDCORE_DEBUG"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Debug = b
		}
	}
	if val, ok := os.LookupEnv("SOUNDCORE_LOG_LEVEL"); ok {
		c.LogLevel = val
	}
	if val, ok := os.LookupEnv("SOUNDCORE_WS_ENABLED"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Transport.WebSocketEnabled = b
		}
	}
	if val, ok := os.LookupEnv("SOUNDCORE_WS_PORT"); ok {
		c.Transport.WebSocketPort = val
	}
}
