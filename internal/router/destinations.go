// SPDX-License-Identifier: MIT
package router

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	audio "github.com/go-audio/audio"
	wav "github.com/go-audio/wav"

	applog "soundcore/internal/log"
	"soundcore/pkg/spsc"
)

// LevelMeterDestination measures the blocks routed to it: last-block
// peak and RMS, plus the running peak since the last ResetPeak. All
// values publish through atomics so UI threads read without locking.
type LevelMeterDestination struct {
	id string

	peakBits    atomic.Uint32
	rmsBits     atomic.Uint32
	maxPeakBits atomic.Uint32
}

func NewLevelMeterDestination(id string) *LevelMeterDestination {
	return &LevelMeterDestination{id: id}
}

func (m *LevelMeterDestination) ID() string { return m.id }

// Write runs on the audio thread. Atomics only.
func (m *LevelMeterDestination) Write(block []float32) {
	var peak float32
	var sum float64
	for _, s := range block {
		a := s
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
		sum += float64(s) * float64(s)
	}

	var rms float32
	if len(block) > 0 {
		rms = float32(math.Sqrt(sum / float64(len(block))))
	}

	m.peakBits.Store(math.Float32bits(peak))
	m.rmsBits.Store(math.Float32bits(rms))
	for {
		old := m.maxPeakBits.Load()
		if math.Float32frombits(old) >= peak || m.maxPeakBits.CompareAndSwap(old, math.Float32bits(peak)) {
			break
		}
	}
}

func (m *LevelMeterDestination) Peak() float32 { return math.Float32frombits(m.peakBits.Load()) }
func (m *LevelMeterDestination) RMS() float32  { return math.Float32frombits(m.rmsBits.Load()) }

// MaxPeak is the highest block peak observed since the last ResetPeak.
func (m *LevelMeterDestination) MaxPeak() float32 { return math.Float32frombits(m.maxPeakBits.Load()) }
func (m *LevelMeterDestination) ResetPeak()       { m.maxPeakBits.Store(0) }

// RingDestination forwards blocks into a lock-free ring for another
// consumer (the bridged backend path, or an external tap).
type RingDestination struct {
	id   string
	ring *spsc.Ring

	dropped atomic.Uint64
}

func NewRingDestination(id string, capacity int) *RingDestination {
	return &RingDestination{id: id, ring: spsc.NewRing(capacity)}
}

func (d *RingDestination) ID() string       { return d.id }
func (d *RingDestination) Ring() *spsc.Ring { return d.ring }

// Dropped counts samples discarded because the consumer fell behind.
func (d *RingDestination) Dropped() uint64 { return d.dropped.Load() }

func (d *RingDestination) Write(block []float32) {
	n := d.ring.Write(block)
	if n < len(block) {
		d.dropped.Add(uint64(len(block) - n))
	}
}

// RecorderDestination captures routed audio to a 16-bit WAV file. The
// audio thread pushes into a ring; a drain goroutine does the encoding
// and file I/O, so Write never blocks on disk.
type RecorderDestination struct {
	id   string
	path string

	ring      *spsc.Ring
	recording atomic.Bool
	dropped   atomic.Uint64

	f   *os.File
	enc *wav.Encoder
	buf *audio.IntBuffer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// NewRecorderDestination opens path for writing and starts the drain
// goroutine. Recording begins armed; Pause/Resume toggle capture
// without closing the file.
func NewRecorderDestination(id, path string, sampleRate, channels int) (*RecorderDestination, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	d := &RecorderDestination{
		id:   id,
		path: path,
		// Four seconds of headroom between callback and disk.
		ring: spsc.NewRing(sampleRate * channels * 4),
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, 16, channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			Data:           make([]int, 4096),
			SourceBitDepth: 16,
		},
		done: make(chan struct{}),
	}
	d.recording.Store(true)

	d.wg.Add(1)
	go d.drainLoop()

	applog.Infof("Router: recording to %s (%d Hz, %d ch)", path, sampleRate, channels)
	return d, nil
}

func (d *RecorderDestination) ID() string { return d.id }

// Write runs on the audio thread: ring push only, no I/O.
func (d *RecorderDestination) Write(block []float32) {
	if !d.recording.Load() {
		return
	}
	n := d.ring.Write(block)
	if n < len(block) {
		d.dropped.Add(uint64(len(block) - n))
	}
}

func (d *RecorderDestination) Pause()  { d.recording.Store(false) }
func (d *RecorderDestination) Resume() { d.recording.Store(true) }

// Dropped counts samples lost to a full ring (disk too slow).
func (d *RecorderDestination) Dropped() uint64 { return d.dropped.Load() }

func (d *RecorderDestination) drainLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	scratch := make([]float32, len(d.buf.Data))
	for {
		select {
		case <-ticker.C:
			d.drain(scratch)
		case <-d.done:
			d.drain(scratch)
			return
		}
	}
}

func (d *RecorderDestination) drain(scratch []float32) {
	for {
		n := d.ring.Read(scratch)
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			v := scratch[i]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			d.buf.Data[i] = int(v * 32767)
		}
		full := d.buf.Data
		d.buf.Data = d.buf.Data[:n]
		if err := d.enc.Write(d.buf); err != nil {
			applog.Errorf("Router: recorder write failed: %v", err)
		}
		d.buf.Data = full
	}
}

// Close stops capture, flushes the ring to disk, and finalizes the WAV
// header. Idempotent.
func (d *RecorderDestination) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.recording.Store(false)
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()

	if err := d.enc.Close(); err != nil {
		d.f.Close()
		return fmt.Errorf("failed to finalize %s: %w", d.path, err)
	}
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", d.path, err)
	}
	if n := d.dropped.Load(); n > 0 {
		applog.Warnf("Router: recorder dropped %d samples (disk too slow)", n)
	}
	return nil
}
