// SPDX-License-Identifier: MIT
package backend

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	applog "soundcore/internal/log"
)

// Sample rates probed when building a device's supported config list.
var probeSampleRates = []float64{44100, 48000, 88200, 96000, 192000}

// PortAudioBackend drives native audio through PortAudio. It is the
// primary backend on desktop platforms.
type PortAudioBackend struct {
	UnsupportedCapabilities

	mu          sync.Mutex
	initialized bool
	lowLatency  bool
}

// NewPortAudioBackend creates the backend. lowLatency selects the
// device's low-latency default instead of the conservative one.
func NewPortAudioBackend(lowLatency bool) *PortAudioBackend {
	return &PortAudioBackend{lowLatency: lowLatency}
}

func (b *PortAudioBackend) Name() string { return "PortAudio" }
func (b *PortAudioBackend) Kind() Kind   { return KindPortAudio }

// Available is optimistic: PortAudio links on all supported desktop
// platforms, and a broken install surfaces as an Initialize error.
func (b *PortAudioBackend) Available() bool { return true }

func (b *PortAudioBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: portaudio: %v", ErrBackendUnavailable, err)
	}
	b.initialized = true
	return nil
}

func (b *PortAudioBackend) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate portaudio: %w", err)
	}
	return nil
}

// EnumerateDevices returns devices with at least one channel in the
// requested direction. Device IDs are "pa:<index>" and valid until the
// host's device list changes.
func (b *PortAudioBackend) EnumerateDevices(dir Direction) ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
	}

	var defaultName string
	if def, err := b.defaultPaDevice(dir); err == nil {
		defaultName = def.Name
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for i, dev := range devices {
		channels := dev.MaxOutputChannels
		if dir == DirectionInput {
			channels = dev.MaxInputChannels
		}
		if channels == 0 {
			continue
		}
		infos = append(infos, deviceInfo(i, dev, dev.Name == defaultName))
	}
	return infos, nil
}

func (b *PortAudioBackend) DefaultDevice(dir Direction) (DeviceInfo, error) {
	dev, err := b.defaultPaDevice(dir)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: no default device: %v", ErrDeviceUnavailable, err)
	}
	idx, err := paDeviceIndex(dev)
	if err != nil {
		return DeviceInfo{}, err
	}
	return deviceInfo(idx, dev, true), nil
}

func (b *PortAudioBackend) defaultPaDevice(dir Direction) (*portaudio.DeviceInfo, error) {
	if dir == DirectionInput {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

// CreateOutputStream opens and returns a stopped output stream on the
// device. The callback is wrapped so a panic inside the processing
// chain is converted to one silent block instead of unwinding into the
// PortAudio C glue.
func (b *PortAudioBackend) CreateOutputStream(deviceID string, cfg AudioConfig, cb OutputCallback) (Stream, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil output callback", ErrInvalidParameter)
	}
	if cfg.ExclusiveMode {
		// PortAudio's portable API has no exclusive-mode knob.
		return nil, fmt.Errorf("%w: exclusive mode", ErrConfigUnsupported)
	}

	dev, err := b.resolveDevice(deviceID, DirectionOutput)
	if err != nil {
		return nil, err
	}
	if cfg.Channels > dev.MaxOutputChannels {
		return nil, fmt.Errorf("%w: %d channels on %q (max %d)",
			ErrConfigUnsupported, cfg.Channels, dev.Name, dev.MaxOutputChannels)
	}

	latency := dev.DefaultHighOutputLatency
	if b.lowLatency {
		latency = dev.DefaultLowOutputLatency
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  latency,
		},
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.BufferSize,
	}

	s := &paStream{cfg: cfg, latency: latency}
	stream, err := portaudio.OpenStream(params, func(out []float32) {
		defer func() {
			if r := recover(); r != nil {
				// Callback boundary: silence instead of a crashed
				// audio subsystem.
				for i := range out {
					out[i] = 0
				}
				applog.Errorf("Backend: recovered panic in audio callback: %v", r)
			}
		}()
		cb(out)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamCreation, err)
	}
	s.stream = stream

	applog.Infof("Backend: opened PortAudio stream on %q (%.0f Hz, %d ch, %d frames, latency %s)",
		dev.Name, cfg.SampleRate, cfg.Channels, cfg.BufferSize, latency)
	return s, nil
}

func (b *PortAudioBackend) resolveDevice(deviceID string, dir Direction) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		dev, err := b.defaultPaDevice(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: no default device: %v", ErrDeviceUnavailable, err)
		}
		return dev, nil
	}

	idxStr, ok := strings.CutPrefix(deviceID, "pa:")
	if !ok {
		return nil, fmt.Errorf("%w: malformed device ID %q", ErrInvalidParameter, deviceID)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed device ID %q", ErrInvalidParameter, deviceID)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
	}
	if idx < 0 || idx >= len(devices) {
		return nil, fmt.Errorf("%w: device %q", ErrDeviceUnavailable, deviceID)
	}
	return devices[idx], nil
}

func deviceInfo(index int, dev *portaudio.DeviceInfo, isDefault bool) DeviceInfo {
	configs := make([]AudioConfig, 0, len(probeSampleRates))
	for _, rate := range probeSampleRates {
		if rate > dev.DefaultSampleRate*4 {
			continue
		}
		configs = append(configs, AudioConfig{
			SampleRate: rate,
			Channels:   dev.MaxOutputChannels,
			Format:     FormatF32,
			BufferSize: 512,
		})
	}
	return DeviceInfo{
		ID:                "pa:" + strconv.Itoa(index),
		Name:              dev.Name,
		IsDefault:         isDefault,
		SupportedConfigs:  configs,
		MinSampleRate:     8000,
		MaxSampleRate:     dev.DefaultSampleRate * 4,
		MaxInputChannels:  dev.MaxInputChannels,
		MaxOutputChannels: dev.MaxOutputChannels,
	}
}

func paDeviceIndex(target *portaudio.DeviceInfo) (int, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
	}
	for i, dev := range devices {
		if dev.Name == target.Name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrDeviceUnavailable, target.Name)
}

// paStream wraps a portaudio.Stream behind the Stream interface.
type paStream struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	cfg     AudioConfig
	latency time.Duration
	status  StreamStatus
}

func (s *paStream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusPlaying {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%w: start: %v", ErrStreamCreation, err)
	}
	s.status = StatusPlaying
	return nil
}

func (s *paStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPlaying {
		return nil
	}
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("failed to pause stream: %w", err)
	}
	s.status = StatusPaused
	return nil
}

func (s *paStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return nil
	}
	if s.status == StatusPlaying {
		if err := s.stream.Stop(); err != nil {
			return fmt.Errorf("failed to stop stream: %w", err)
		}
	}
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	s.status = StatusStopped
	return nil
}

func (s *paStream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *paStream) Config() AudioConfig { return s.cfg }

func (s *paStream) LatencyFrames() int {
	return int(s.latency.Seconds() * s.cfg.SampleRate)
}
