// SPDX-License-Identifier: MIT
/*
Package engine composes the full playback system behind one façade:
backend selection, the routing graph, and the per-block signal chain.

Every rendered block passes through the same mandatory chain in order:

	router mix -> equalizer -> spectrum tap -> master volume -> output

The spectrum therefore shows post-equalizer audio, and the master
volume scales everything including what the analyzer already saw.
*/
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"soundcore/internal/backend"
	"soundcore/internal/config"
	"soundcore/internal/dsp"
	applog "soundcore/internal/log"
	"soundcore/internal/router"
	"soundcore/pkg/spsc"
)

var ErrNotStarted = errors.New("engine not started")

// PlaybackState is the engine-level transport state.
type PlaybackState int32

const (
	StateStopped PlaybackState = iota
	StatePlaying
	StatePaused
)

func (s PlaybackState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Manager owns the audio engine end to end. Control methods run on any
// goroutine; the render callback runs on the backend's audio thread and
// touches only lock-free state.
type Manager struct {
	cfg *config.Config

	hybrid   *backend.HybridBackend
	router   *router.Router
	eq       *dsp.Equalizer
	analyzer *dsp.Analyzer
	volume   *dsp.Volume
	commands *spsc.CommandQueue

	state atomic.Int32

	// Audio thread only: mono downmix scratch for the spectrum tap.
	mono []float32

	mu      sync.Mutex // control plane: stream and lifecycle below
	stream  backend.Stream
	started bool

	pruneTicker *time.Ticker
	pruneDone   chan struct{}
	wg          sync.WaitGroup
}

// New wires the engine from configuration. The backend candidate order
// is fixed: PortAudio first, the silent Null backend as the terminal
// fallback.
func New(cfg *config.Config) (*Manager, error) {
	eq, err := dsp.NewEqualizer(cfg.Audio.SampleRate, cfg.Audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("equalizer: %w", err)
	}
	analyzer, err := dsp.NewAnalyzer(cfg.Spectrum.FFTSize, cfg.Audio.SampleRate, cfg.Spectrum.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	// Fallback priority: low-latency PortAudio when requested, then
	// shared-mode PortAudio, with the silent Null backend terminal.
	var candidates []backend.AudioBackend
	if cfg.Audio.LowLatency {
		candidates = append(candidates, backend.NewPortAudioBackend(true))
	}
	candidates = append(candidates, backend.NewPortAudioBackend(false), backend.NewNullBackend())

	hybrid, err := backend.NewHybridBackend(backend.HybridOptions{
		DegradedThreshold: config.DegradedUnderrunThreshold,
		FailedThreshold:   config.FailedUnderrunThreshold,
		MonitorInterval:   cfg.Monitor.Interval,
		StopTimeout:       cfg.Monitor.StopTimeout,
	}, candidates...)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		hybrid:   hybrid,
		router:   router.New(config.MaxBufferFrames, cfg.Audio.Channels),
		eq:       eq,
		analyzer: analyzer,
		volume:   dsp.NewVolume(1),
		commands: spsc.NewCommandQueue(64),
		mono:     make([]float32, config.MaxBufferFrames),
	}, nil
}

// NewWithBackend is New with an explicit backend, for tests and
// embedders that bring their own.
func NewWithBackend(cfg *config.Config, hybrid *backend.HybridBackend) (*Manager, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.hybrid = hybrid
	return m, nil
}

// Start initializes the backend, opens the output stream on the
// configured device, and launches the health and prune monitors. The
// stream is created stopped; Play begins output.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if err := m.hybrid.Initialize(); err != nil {
		return fmt.Errorf("backend initialization: %w", err)
	}

	stream, err := m.hybrid.CreateOutputStream(m.cfg.Audio.OutputDevice, m.streamConfig(), m.renderBlock)
	if err != nil {
		m.hybrid.Terminate()
		return fmt.Errorf("output stream: %w", err)
	}
	m.stream = stream

	m.hybrid.StartMonitor()

	m.pruneTicker = time.NewTicker(m.cfg.Monitor.Interval)
	m.pruneDone = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.pruneTicker.C:
				if n := m.router.PruneFinished(); n > 0 {
					applog.Debugf("Engine: pruned %d finished sources", n)
				}
			case <-m.pruneDone:
				return
			}
		}
	}()

	m.started = true
	applog.Infof("Engine: started on %s (%.0f Hz, %d ch, %d frames)",
		m.hybrid.Name(), m.cfg.Audio.SampleRate, m.cfg.Audio.Channels, m.cfg.Audio.FramesPerBuffer)
	return nil
}

func (m *Manager) streamConfig() backend.AudioConfig {
	return backend.AudioConfig{
		SampleRate:    m.cfg.Audio.SampleRate,
		Channels:      m.cfg.Audio.Channels,
		Format:        backend.FormatF32,
		BufferSize:    m.cfg.Audio.FramesPerBuffer,
		ExclusiveMode: m.cfg.Audio.ExclusiveMode,
	}
}

// Shutdown stops playback and tears the engine down. Idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false

	m.pruneTicker.Stop()
	close(m.pruneDone)
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	m.wg.Wait()
	m.state.Store(int32(StateStopped))

	var firstErr error
	if stream != nil {
		if err := stream.Stop(); err != nil {
			firstErr = err
			applog.Warnf("Engine: stream stop during shutdown: %v", err)
		}
	}
	if err := m.hybrid.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	applog.Infof("Engine: shut down")
	return firstErr
}

// renderBlock is the audio callback.
// Performance Critical (Hot Path): lock-free throughout. Commands are
// fixed-size pops, the router works from a published snapshot, and the
// DSP stages publish through atomics.
func (m *Manager) renderBlock(out []float32) {
	m.drainCommands()

	if PlaybackState(m.state.Load()) != StatePlaying {
		for i := range out {
			out[i] = 0
		}
		return
	}

	m.router.Process(out)
	m.eq.Process(out)
	m.tapSpectrum(out)
	m.volume.Apply(out)
	m.hybrid.ReportSuccess()
}

// drainCommands applies queued control messages. Only atomic-effect
// ops travel this path; structural changes stay on the control plane.
func (m *Manager) drainCommands() {
	for {
		cmd, ok := m.commands.Pop()
		if !ok {
			return
		}
		switch cmd.Op {
		case spsc.OpSetVolume:
			m.volume.Set(cmd.Value)
		case spsc.OpFlush:
			m.eq.Reset()
		}
	}
}

// tapSpectrum downmixes the post-equalizer block to mono and feeds the
// analyzer. Runs before the master volume so the display tracks
// program material, not the listening level.
func (m *Manager) tapSpectrum(block []float32) {
	channels := m.cfg.Audio.Channels
	frames := len(block) / channels
	if frames > len(m.mono) {
		frames = len(m.mono)
	}

	if channels == 1 {
		copy(m.mono[:frames], block[:frames])
	} else {
		inv := 1 / float32(channels)
		for f := 0; f < frames; f++ {
			var sum float32
			base := f * channels
			for ch := 0; ch < channels; ch++ {
				sum += block[base+ch]
			}
			m.mono[f] = sum * inv
		}
	}
	m.analyzer.Process(m.mono[:frames])
}

// Play starts or resumes output. No-op when already playing.
func (m *Manager) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return ErrNotStarted
	}
	if err := m.stream.Play(); err != nil {
		return err
	}
	m.state.Store(int32(StatePlaying))
	return nil
}

// Pause suspends output, keeping stream and graph intact.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return ErrNotStarted
	}
	m.state.Store(int32(StatePaused))
	return m.stream.Pause()
}

// StopPlayback halts output without tearing down the engine. The EQ
// delay lines are flushed so a later Play does not replay filter tails.
func (m *Manager) StopPlayback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return ErrNotStarted
	}
	m.state.Store(int32(StateStopped))
	m.commands.Push(spsc.Command{Op: spsc.OpFlush})
	return m.stream.Pause()
}

// State returns the transport state.
func (m *Manager) State() PlaybackState {
	return PlaybackState(m.state.Load())
}

// SetVolume queues a master volume change, clamped to [0, 1] when
// applied. Under queue pressure the change applies directly; the level
// store is atomic either way.
func (m *Manager) SetVolume(level float32) {
	if !m.commands.Push(spsc.Command{Op: spsc.OpSetVolume, Value: level}) {
		m.volume.Set(level)
	}
}

// Volume returns the current master level.
func (m *Manager) Volume() float32 { return m.volume.Get() }

// SetEqBand sets one equalizer band's gain in dB, clamped to the
// band range. Publication to the audio thread is atomic; no command
// round-trip is needed.
func (m *Manager) SetEqBand(band int, gainDB float32) error {
	return m.eq.SetBandGain(band, gainDB)
}

// EqBandGain returns one band's gain in dB.
func (m *Manager) EqBandGain(band int) (float32, error) { return m.eq.BandGain(band) }

// EqGains returns a snapshot of all band gains.
func (m *Manager) EqGains() [dsp.NumBands]float32 { return m.eq.Gains() }

// SpectrumBins returns the fixed spectrum frame length.
func (m *Manager) SpectrumBins() int { return m.analyzer.Bins() }

// SpectrumInto copies the latest normalized spectrum frame into dest,
// which must be exactly SpectrumBins() long.
func (m *Manager) SpectrumInto(dest []float32) error { return m.analyzer.SpectrumInto(dest) }

// Spectrum returns a copy of the latest normalized spectrum frame.
func (m *Manager) Spectrum() []float32 { return m.analyzer.Spectrum() }

// Router exposes the mixing graph for source and destination wiring.
func (m *Manager) Router() *router.Router { return m.router }

// AddToneSource registers a sine generator and routes it to the output
// at the given gain. The source starts playing immediately.
func (m *Manager) AddToneSource(id string, freq float64, amplitude, gain float32) error {
	src := router.NewSignalGeneratorSource(id, freq, amplitude, m.cfg.Audio.SampleRate, m.cfg.Audio.Channels)
	if err := m.router.AddSource(src); err != nil {
		return err
	}
	if err := m.router.AddRoute(router.Route{
		SourceID:      id,
		DestinationID: router.OutputDestinationID,
		Gain:          gain,
		Type:          router.RoutePlayback,
	}); err != nil {
		m.router.RemoveSource(id)
		return err
	}
	return src.Play()
}

// AddFileSource loads an audio file, registers it, and routes it to
// the output at the given gain. The source is returned idle; callers
// decide when to Play it.
func (m *Manager) AddFileSource(id, path string, gain float32) (*router.PCMSource, error) {
	src, err := router.NewFileSource(id, path)
	if err != nil {
		return nil, err
	}
	if src.SampleRate() != int(m.cfg.Audio.SampleRate) {
		applog.Warnf("Engine: %s is %d Hz, stream is %.0f Hz; playback will be pitch-shifted",
			path, src.SampleRate(), m.cfg.Audio.SampleRate)
	}
	if err := m.router.AddSource(src); err != nil {
		return nil, err
	}
	if err := m.router.AddRoute(router.Route{
		SourceID:      id,
		DestinationID: router.OutputDestinationID,
		Gain:          gain,
		Type:          router.RoutePlayback,
	}); err != nil {
		m.router.RemoveSource(id)
		return nil, err
	}
	return src, nil
}

// EnumerateOutputDevices lists output devices on the live backend.
func (m *Manager) EnumerateOutputDevices() ([]backend.DeviceInfo, error) {
	return m.hybrid.EnumerateDevices(backend.DirectionOutput)
}

// SelectOutputDevice re-creates the output stream on another device.
// Playback resumes automatically if it was running.
func (m *Manager) SelectOutputDevice(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}

	wasPlaying := PlaybackState(m.state.Load()) == StatePlaying
	if m.stream != nil {
		if err := m.stream.Stop(); err != nil {
			applog.Warnf("Engine: old stream stop during device switch: %v", err)
		}
	}

	stream, err := m.hybrid.CreateOutputStream(deviceID, m.streamConfig(), m.renderBlock)
	if err != nil {
		m.stream = nil
		m.state.Store(int32(StateStopped))
		return fmt.Errorf("device switch: %w", err)
	}
	m.stream = stream
	m.eq.Reset()

	if wasPlaying {
		if err := stream.Play(); err != nil {
			return err
		}
	}
	applog.Infof("Engine: output switched to device %q", deviceID)
	return nil
}

// BackendHealth reports the hybrid backend's health state.
func (m *Manager) BackendHealth() backend.HealthStatus { return m.hybrid.BackendHealth() }

// BackendName reports which concrete backend is live.
func (m *Manager) BackendName() string { return m.hybrid.Name() }
