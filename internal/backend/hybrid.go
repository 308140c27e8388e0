// SPDX-License-Identifier: MIT
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	applog "soundcore/internal/log"
	"soundcore/pkg/spsc"
)

// Health of the live backend. Transitions run forward only
// (Healthy → Degraded → Failed) until a successful re-initialization
// resets them.
type Health int32

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HealthStatus pairs the health state with the raw consecutive
// underrun count behind it.
type HealthStatus struct {
	State     Health
	Underruns uint32
}

// Mode describes which path audio takes through the hybrid backend.
type Mode int

const (
	// ModePrimaryOnly: the first (highest-priority) candidate is live.
	ModePrimaryOnly Mode = iota
	// ModeSecondaryOnly: a fallback candidate is live.
	ModeSecondaryOnly
	// ModeBridged: a software ring buffer feeds the live candidate's
	// hardware callback.
	ModeBridged
)

func (m Mode) String() string {
	switch m {
	case ModePrimaryOnly:
		return "primary"
	case ModeSecondaryOnly:
		return "secondary"
	case ModeBridged:
		return "bridged"
	default:
		return "unknown"
	}
}

// HybridOptions tune the health state machine.
type HybridOptions struct {
	// DegradedThreshold is the consecutive underrun count that marks
	// the backend Degraded (logged, no action yet).
	DegradedThreshold uint32
	// FailedThreshold is the consecutive underrun count that marks the
	// backend Failed and triggers fallback selection.
	FailedThreshold uint32
	// MonitorInterval is the health-check cadence.
	MonitorInterval time.Duration
	// StopTimeout bounds stream teardown during a switch; exceeding it
	// treats the old stream as failed and moves on.
	StopTimeout time.Duration
}

// DefaultHybridOptions returns the standard thresholds: degrade after
// 3 consecutive underruns, fail over after 10.
func DefaultHybridOptions() HybridOptions {
	return HybridOptions{
		DegradedThreshold: 3,
		FailedThreshold:   10,
		MonitorInterval:   250 * time.Millisecond,
		StopTimeout:       2 * time.Second,
	}
}

// HybridBackend owns an ordered priority list of concrete backends and
// presents the AudioBackend interface itself, transparently switching
// which candidate is live.
//
// Thread Safety:
// - ReportUnderrun/ReportSuccess are atomic-only and safe from the
//   audio callback.
// - The state machine (health evaluation, fallback) runs on the
//   monitor goroutine or the control thread, never in the callback:
//   fallback allocates and performs blocking stream teardown.
type HybridBackend struct {
	opts       HybridOptions
	candidates []AudioBackend

	consecUnderruns atomic.Uint32
	health          atomic.Int32

	mu          sync.Mutex // control plane: everything below
	active      int
	initialized []bool
	stream      Stream
	deviceID    string
	cfg         AudioConfig
	cb          OutputCallback
	wantPlaying bool
	bridged     bool
	ring        *spsc.Ring

	monitorMu sync.Mutex
	ticker    *time.Ticker
	doneChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewHybridBackend creates a hybrid over the candidates in fallback
// priority order (best first). At least one candidate is required; by
// convention the last is a NullBackend so fallback always terminates.
func NewHybridBackend(opts HybridOptions, candidates ...AudioBackend) (*HybridBackend, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate backends", ErrBackendUnavailable)
	}
	if opts.DegradedThreshold == 0 || opts.FailedThreshold <= opts.DegradedThreshold {
		return nil, fmt.Errorf("%w: thresholds must satisfy 0 < degraded < failed", ErrInvalidParameter)
	}
	return &HybridBackend{
		opts:        opts,
		candidates:  candidates,
		initialized: make([]bool, len(candidates)),
	}, nil
}

func (h *HybridBackend) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return "Hybrid(" + h.candidates[h.active].Name() + ")"
}

func (h *HybridBackend) Kind() Kind { return KindHybrid }

func (h *HybridBackend) Available() bool {
	for _, c := range h.candidates {
		if c.Available() {
			return true
		}
	}
	return false
}

// Initialize brings up the first candidate that accepts, in priority
// order. Later candidates stay cold until fallback needs them.
func (h *HybridBackend) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, c := range h.candidates {
		if !c.Available() {
			continue
		}
		if err := c.Initialize(); err != nil {
			applog.Warnf("Hybrid: candidate %s failed to initialize: %v", c.Name(), err)
			continue
		}
		h.active = i
		h.initialized[i] = true
		h.resetHealthLocked()
		applog.Infof("Hybrid: initialized with %s backend", c.Name())
		return nil
	}
	return fmt.Errorf("%w: all candidates failed to initialize", ErrBackendUnavailable)
}

func (h *HybridBackend) Terminate() error {
	h.StopMonitor()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stream != nil {
		if err := h.stopStreamBounded(h.stream); err != nil {
			applog.Warnf("Hybrid: stream teardown during terminate: %v", err)
		}
		h.stream = nil
	}

	var firstErr error
	for i, c := range h.candidates {
		if !h.initialized[i] {
			continue
		}
		h.initialized[i] = false
		if err := c.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *HybridBackend) EnumerateDevices(dir Direction) ([]DeviceInfo, error) {
	return h.activeBackend().EnumerateDevices(dir)
}

func (h *HybridBackend) DefaultDevice(dir Direction) (DeviceInfo, error) {
	return h.activeBackend().DefaultDevice(dir)
}

func (h *HybridBackend) SupportsExclusiveMode() bool {
	return h.activeBackend().SupportsExclusiveMode()
}

func (h *HybridBackend) SetExclusiveMode(enabled bool) error {
	return h.activeBackend().SetExclusiveMode(enabled)
}

func (h *HybridBackend) activeBackend() AudioBackend {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.candidates[h.active]
}

// CreateOutputStream opens a stream on the live candidate. The
// returned handle survives fallback: after a switch it controls the
// replacement stream. Device and config are remembered so the
// replacement is opened with the same parameters (device "" means the
// new backend's default, which is what makes cross-backend fallback
// possible at all).
func (h *HybridBackend) CreateOutputStream(deviceID string, cfg AudioConfig, cb OutputCallback) (Stream, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil output callback", ErrInvalidParameter)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A panic in the processing chain becomes one silent block and one
	// underrun, feeding the same health accounting as ring starvation.
	wrapped := func(out []float32) {
		defer func() {
			if r := recover(); r != nil {
				for i := range out {
					out[i] = 0
				}
				h.ReportUnderrun()
				applog.Errorf("Hybrid: recovered panic in audio callback: %v", r)
			}
		}()
		cb(out)
	}

	stream, err := h.candidates[h.active].CreateOutputStream(deviceID, cfg, wrapped)
	if err != nil {
		return nil, err
	}

	h.stream = stream
	h.deviceID = deviceID
	h.cfg = cfg
	h.cb = wrapped
	h.bridged = false
	h.ring = nil
	h.wantPlaying = false
	h.resetHealthLocked()
	return &hybridStream{h: h}, nil
}

// CreateBridgedStream opens a stream whose callback drains a software
// ring buffer instead of pulling from the processing chain directly.
// The producer pushes processed blocks with BridgeWrite; ring
// starvation in the callback counts as an underrun and fills the gap
// with silence.
func (h *HybridBackend) CreateBridgedStream(deviceID string, cfg AudioConfig) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 8x the block size absorbs scheduling jitter on the producer side.
	ring := spsc.NewRing(cfg.BufferSize * cfg.Channels * 8)
	drain := func(out []float32) {
		n := ring.Read(out)
		if n < len(out) {
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
			h.ReportUnderrun()
		} else {
			h.ReportSuccess()
		}
	}

	stream, err := h.candidates[h.active].CreateOutputStream(deviceID, cfg, drain)
	if err != nil {
		return nil, err
	}

	h.stream = stream
	h.deviceID = deviceID
	h.cfg = cfg
	h.cb = drain
	h.bridged = true
	h.ring = ring
	h.wantPlaying = false
	h.resetHealthLocked()
	return &hybridStream{h: h}, nil
}

// BridgeWrite pushes processed samples toward the hardware callback.
// Returns the count actually written; a short count means the ring is
// full and the caller should back off. Single producer only.
func (h *HybridBackend) BridgeWrite(samples []float32) int {
	h.mu.Lock()
	ring := h.ring
	h.mu.Unlock()
	if ring == nil {
		return 0
	}
	return ring.Write(samples)
}

// BridgeFree reports how many samples BridgeWrite can currently accept.
func (h *HybridBackend) BridgeFree() int {
	h.mu.Lock()
	ring := h.ring
	h.mu.Unlock()
	if ring == nil {
		return 0
	}
	return ring.Free()
}

// Mode reports the current routing mode.
func (h *HybridBackend) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.bridged:
		return ModeBridged
	case h.active == 0:
		return ModePrimaryOnly
	default:
		return ModeSecondaryOnly
	}
}

// ReportUnderrun records one underrun. Safe from the audio callback:
// a single atomic increment, no state-machine work.
func (h *HybridBackend) ReportUnderrun() {
	h.consecUnderruns.Add(1)
}

// ReportSuccess records a healthy block, breaking any underrun streak.
// Safe from the audio callback. Health itself is not lowered; only a
// successful re-initialization does that.
func (h *HybridBackend) ReportSuccess() {
	h.consecUnderruns.Store(0)
}

// BackendHealth returns the current health state and the raw counter.
func (h *HybridBackend) BackendHealth() HealthStatus {
	return HealthStatus{
		State:     Health(h.health.Load()),
		Underruns: h.consecUnderruns.Load(),
	}
}

// CheckHealth evaluates the state machine once: it promotes health
// forward based on the consecutive underrun count and triggers
// fallback at the failure threshold. Called by the monitor goroutine;
// exported so tests and manual health sweeps can drive it directly.
func (h *HybridBackend) CheckHealth() {
	n := h.consecUnderruns.Load()

	switch {
	case n >= h.opts.FailedThreshold:
		if Health(h.health.Load()) != HealthFailed {
			h.health.Store(int32(HealthFailed))
			applog.Errorf("Hybrid: %d consecutive underruns, backend failed, selecting fallback", n)
		}
		if err := h.Failover(); err != nil {
			applog.Errorf("Hybrid: fallback failed: %v", err)
		}
	case n >= h.opts.DegradedThreshold:
		// Forward-only: never demote Failed back to Degraded here.
		if Health(h.health.Load()) == HealthHealthy {
			h.health.Store(int32(HealthDegraded))
			applog.Warnf("Hybrid: %d consecutive underruns, backend degraded", n)
		}
	}
}

// Failover tears down the live stream and walks the remaining
// candidates in priority order until one initializes and accepts a
// replacement stream. On success counters reset and health returns to
// Healthy. All candidates exhausted returns ErrBackendUnavailable and
// leaves health at Failed.
//
// Runs on the monitor goroutine or control thread only. Output gap
// during the switch is bounded, not zero.
func (h *HybridBackend) Failover() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stream != nil {
		if err := h.stopStreamBounded(h.stream); err != nil {
			applog.Warnf("Hybrid: old stream teardown: %v", err)
		}
		h.stream = nil
	}

	for i := h.active + 1; i < len(h.candidates); i++ {
		c := h.candidates[i]
		if !c.Available() {
			continue
		}
		if !h.initialized[i] {
			if err := c.Initialize(); err != nil {
				applog.Warnf("Hybrid: fallback candidate %s failed to initialize: %v", c.Name(), err)
				continue
			}
			h.initialized[i] = true
		}

		// The stored device ID belongs to the failed backend; the
		// replacement opens its own default device.
		stream, err := c.CreateOutputStream("", h.cfg, h.cb)
		if err != nil {
			applog.Warnf("Hybrid: fallback candidate %s rejected stream: %v", c.Name(), err)
			continue
		}
		if h.wantPlaying {
			if err := stream.Play(); err != nil {
				applog.Warnf("Hybrid: fallback candidate %s failed to start: %v", c.Name(), err)
				_ = stream.Stop()
				continue
			}
		}

		h.active = i
		h.stream = stream
		h.resetHealthLocked()
		applog.Infof("Hybrid: switched to %s backend", c.Name())
		return nil
	}

	return fmt.Errorf("%w: all fallback candidates exhausted", ErrBackendUnavailable)
}

func (h *HybridBackend) resetHealthLocked() {
	h.consecUnderruns.Store(0)
	h.health.Store(int32(HealthHealthy))
}

// stopStreamBounded stops a stream but refuses to wait forever: past
// the timeout the stream is treated as failed and abandoned.
func (h *HybridBackend) stopStreamBounded(s Stream) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("stream stop: %w", err)
		}
		return nil
	case <-time.After(h.opts.StopTimeout):
		return ErrStopTimeout
	}
}

// StartMonitor launches the periodic health check. Safe to call once
// per Start/Stop cycle; a second call while running is a no-op.
func (h *HybridBackend) StartMonitor() {
	h.monitorMu.Lock()
	if h.ticker != nil {
		h.monitorMu.Unlock()
		applog.Warnf("Hybrid: monitor already running")
		return
	}

	h.ticker = time.NewTicker(h.opts.MonitorInterval)
	h.doneChan = make(chan struct{})
	h.stopOnce = sync.Once{}

	ticker := h.ticker
	doneChan := h.doneChan
	h.monitorMu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		applog.Debugf("Hybrid: health monitor started (interval %s)", h.opts.MonitorInterval)
		for {
			select {
			case <-ticker.C:
				h.CheckHealth()
			case <-doneChan:
				return
			}
		}
	}()
}

// StopMonitor stops the health check goroutine and waits for it.
// Idempotent.
func (h *HybridBackend) StopMonitor() {
	h.monitorMu.Lock()
	if h.ticker == nil {
		h.monitorMu.Unlock()
		return
	}
	h.stopOnce.Do(func() {
		close(h.doneChan)
		h.ticker.Stop()
		h.ticker = nil
	})
	h.monitorMu.Unlock()

	h.wg.Wait()
}

// hybridStream is the stable stream handle handed to callers. It
// forwards to whatever stream is currently live, so a handle taken
// before a fallback keeps working after it.
type hybridStream struct {
	h *HybridBackend
}

func (s *hybridStream) Play() error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.h.stream == nil {
		return fmt.Errorf("%w: no live stream", ErrStreamCreation)
	}
	if err := s.h.stream.Play(); err != nil {
		return err
	}
	s.h.wantPlaying = true
	return nil
}

func (s *hybridStream) Pause() error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.h.stream == nil {
		return nil
	}
	if err := s.h.stream.Pause(); err != nil {
		return err
	}
	s.h.wantPlaying = false
	return nil
}

func (s *hybridStream) Stop() error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.wantPlaying = false
	if s.h.stream == nil {
		return nil
	}
	err := s.h.stopStreamBounded(s.h.stream)
	s.h.stream = nil
	return err
}

func (s *hybridStream) Status() StreamStatus {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.h.stream == nil {
		return StatusStopped
	}
	return s.h.stream.Status()
}

func (s *hybridStream) Config() AudioConfig {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return s.h.cfg
}

func (s *hybridStream) LatencyFrames() int {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.h.stream == nil {
		return 0
	}
	return s.h.stream.LatencyFrames()
}
