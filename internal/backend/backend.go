// SPDX-License-Identifier: MIT
/*
Package backend abstracts heterogeneous audio APIs behind one
interface so the engine can hold any backend as an interface value and
switch implementations at runtime.

Two design rules keep the contract clean:
  - The per-block callback is the concrete named type OutputCallback,
    never a generic parameter, so the interface stays usable as a plain
    interface value.
  - Backend identity is the Kind tag and optional capabilities are
    explicit methods with an "unsupported" default, instead of runtime
    type assertions.
*/
package backend

import "errors"

// Error taxonomy. Device, config, and stream errors are recoverable:
// the caller picks another device/config or asks the hybrid backend to
// fall back.
var (
	ErrDeviceEnumeration  = errors.New("device enumeration failed")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrConfigUnsupported  = errors.New("configuration unsupported")
	ErrStreamCreation     = errors.New("stream creation failed")
	ErrBackendUnavailable = errors.New("no audio backend available")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrStopTimeout        = errors.New("stream stop timed out")
)

// SampleFormat identifies the on-wire sample encoding of a stream.
type SampleFormat int

const (
	FormatI16 SampleFormat = iota
	FormatI32
	FormatF32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatI16:
		return "i16"
	case FormatI32:
		return "i32"
	case FormatF32:
		return "f32"
	default:
		return "unknown"
	}
}

// AudioConfig describes a stream. Immutable once the stream is open;
// changing any field requires stream re-creation.
type AudioConfig struct {
	SampleRate    float64
	Channels      int
	Format        SampleFormat
	BufferSize    int // frames per callback block
	ExclusiveMode bool
}

// DefaultConfig returns a broadly compatible shared-mode configuration.
func DefaultConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    44100,
		Channels:      2,
		Format:        FormatF32,
		BufferSize:    512,
		ExclusiveMode: false,
	}
}

// LowLatencyConfig returns a configuration for latency-critical use:
// 128-frame blocks (≈2.7 ms at 48 kHz) with exclusive device access.
func LowLatencyConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    48000,
		Channels:      2,
		Format:        FormatF32,
		BufferSize:    128,
		ExclusiveMode: true,
	}
}

// LatencyMs returns the theoretical block latency in milliseconds.
func (c AudioConfig) LatencyMs() float64 {
	return float64(c.BufferSize) / c.SampleRate * 1000
}

// DeviceInfo is a read-only snapshot from enumeration. It can go stale
// if hardware changes; staleness is detected on the next enumeration or
// stream error.
type DeviceInfo struct {
	ID                string
	Name              string
	IsDefault         bool
	SupportedConfigs  []AudioConfig
	MinSampleRate     float64
	MaxSampleRate     float64
	MaxInputChannels  int
	MaxOutputChannels int
}

// Direction of audio flow for enumeration and stream creation.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// StreamStatus is the lifecycle state of a stream.
type StreamStatus int

const (
	StatusStopped StreamStatus = iota
	StatusPlaying
	StatusPaused
)

func (s StreamStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Kind tags the concrete backend behind the interface. Callers needing
// backend-specific behavior branch on Kind or use a capability method;
// they never downcast.
type Kind int

const (
	KindPortAudio Kind = iota
	KindNull
	KindHybrid
)

func (k Kind) String() string {
	switch k {
	case KindPortAudio:
		return "portaudio"
	case KindNull:
		return "null"
	case KindHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// OutputCallback fills out with interleaved float32 samples. It runs on
// the audio thread: implementations must not block, allocate, or panic.
// Keeping this a concrete func type (rather than a generic method
// parameter) is what lets AudioBackend remain a plain interface value
// selected at runtime.
type OutputCallback func(out []float32)

// Stream is an open audio stream.
type Stream interface {
	// Play starts or resumes the stream. Playing an already-playing
	// stream is a no-op returning nil.
	Play() error
	Pause() error
	Stop() error
	Status() StreamStatus
	Config() AudioConfig
	// LatencyFrames reports the stream latency in frames, or 0 if the
	// backend cannot say.
	LatencyFrames() int
}

// AudioBackend is the polymorphic contract every backend implements.
type AudioBackend interface {
	Name() string
	Kind() Kind
	// Available reports whether the backend can work on this platform
	// without attempting full initialization.
	Available() bool
	Initialize() error
	Terminate() error

	EnumerateDevices(dir Direction) ([]DeviceInfo, error)
	DefaultDevice(dir Direction) (DeviceInfo, error)

	// CreateOutputStream opens an output stream on the given device
	// ("" selects the default) driven by cb.
	CreateOutputStream(deviceID string, cfg AudioConfig, cb OutputCallback) (Stream, error)

	ExclusiveModeCapability
}

// ExclusiveModeCapability is the optional exclusive-device-access
// capability. Backends without it embed UnsupportedCapabilities.
type ExclusiveModeCapability interface {
	SupportsExclusiveMode() bool
	SetExclusiveMode(enabled bool) error
}

// UnsupportedCapabilities provides the default "not supported" answers
// for optional capabilities.
type UnsupportedCapabilities struct{}

func (UnsupportedCapabilities) SupportsExclusiveMode() bool { return false }

func (UnsupportedCapabilities) SetExclusiveMode(enabled bool) error {
	if !enabled {
		return nil
	}
	return ErrConfigUnsupported
}
