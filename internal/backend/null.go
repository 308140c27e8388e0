// SPDX-License-Identifier: MIT
package backend

import (
	"fmt"
	"sync"
	"time"

	applog "soundcore/internal/log"
)

// NullBackend renders into a discarded buffer on a wall-clock ticker.
// It is the last entry in the fallback order, so exhausting real
// hardware degrades to silent-but-running instead of no engine at all,
// and it doubles as the deterministic backend for tests and headless
// platforms where no separate audio thread exists.
type NullBackend struct {
	UnsupportedCapabilities
}

func NewNullBackend() *NullBackend { return &NullBackend{} }

func (b *NullBackend) Name() string      { return "Null" }
func (b *NullBackend) Kind() Kind        { return KindNull }
func (b *NullBackend) Available() bool   { return true }
func (b *NullBackend) Initialize() error { return nil }
func (b *NullBackend) Terminate() error  { return nil }

func (b *NullBackend) EnumerateDevices(dir Direction) ([]DeviceInfo, error) {
	if dir == DirectionInput {
		return nil, nil
	}
	dev, _ := b.DefaultDevice(dir)
	return []DeviceInfo{dev}, nil
}

func (b *NullBackend) DefaultDevice(dir Direction) (DeviceInfo, error) {
	if dir == DirectionInput {
		return DeviceInfo{}, fmt.Errorf("%w: null backend has no input devices", ErrDeviceUnavailable)
	}
	return DeviceInfo{
		ID:                "null:0",
		Name:              "Silent Output",
		IsDefault:         true,
		SupportedConfigs:  []AudioConfig{DefaultConfig()},
		MinSampleRate:     8000,
		MaxSampleRate:     192000,
		MaxOutputChannels: 2,
	}, nil
}

func (b *NullBackend) CreateOutputStream(deviceID string, cfg AudioConfig, cb OutputCallback) (Stream, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil output callback", ErrInvalidParameter)
	}
	if deviceID != "" && deviceID != "null:0" {
		return nil, fmt.Errorf("%w: device %q", ErrDeviceUnavailable, deviceID)
	}
	if cfg.ExclusiveMode {
		return nil, fmt.Errorf("%w: exclusive mode", ErrConfigUnsupported)
	}
	if cfg.SampleRate <= 0 || cfg.Channels < 1 || cfg.BufferSize < 1 {
		return nil, fmt.Errorf("%w: %+v", ErrConfigUnsupported, cfg)
	}

	interval := time.Duration(float64(cfg.BufferSize) / cfg.SampleRate * float64(time.Second))
	return &nullStream{
		cfg:      cfg,
		cb:       cb,
		interval: interval,
		buf:      make([]float32, cfg.BufferSize*cfg.Channels),
	}, nil
}

// nullStream drives the callback from a goroutine at real-time block
// cadence and throws the rendered audio away.
type nullStream struct {
	cfg      AudioConfig
	cb       OutputCallback
	interval time.Duration
	buf      []float32

	mu     sync.Mutex
	status StreamStatus
	done   chan struct{}
	wg     sync.WaitGroup
}

func (s *nullStream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusPlaying {
		return nil
	}

	s.done = make(chan struct{})
	s.status = StatusPlaying

	done := s.done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.render()
			case <-done:
				return
			}
		}
	}()
	return nil
}

// render invokes the callback with the same boundary protection a real
// backend applies: a panic becomes a silent block.
func (s *nullStream) render() {
	defer func() {
		if r := recover(); r != nil {
			for i := range s.buf {
				s.buf[i] = 0
			}
			applog.Errorf("Backend: recovered panic in audio callback: %v", r)
		}
	}()
	s.cb(s.buf)
}

func (s *nullStream) Pause() error { return s.halt(StatusPaused) }
func (s *nullStream) Stop() error  { return s.halt(StatusStopped) }

func (s *nullStream) halt(to StreamStatus) error {
	s.mu.Lock()
	if s.status != StatusPlaying {
		s.status = to
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	s.status = to
	s.mu.Unlock()

	// In-flight render calls complete normally.
	s.wg.Wait()
	return nil
}

func (s *nullStream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *nullStream) Config() AudioConfig { return s.cfg }

func (s *nullStream) LatencyFrames() int { return s.cfg.BufferSize }
