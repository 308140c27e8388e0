// SPDX-License-Identifier: MIT
package dsp

import (
	"fmt"
	"math/cmplx"
	"sync/atomic"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"soundcore/pkg/bitint"
)

// maxDecay is the per-frame decay of the normalization reference, slow
// enough to avoid flicker when the signal level drops.
const maxDecay = 0.995

// analyzerWorkspace holds the pre-allocated FFT buffers. Everything is
// sized at construction; Process never allocates.
type analyzerWorkspace struct {
	input     []float64    // windowed input samples
	fftOutput []complex128 // FFT complex output
	magnitude []float64    // raw magnitudes
	smoothed  []float64    // exponentially smoothed magnitudes
	win       window.Values
}

// Analyzer computes normalized magnitude spectra of post-equalizer
// audio for visualization.
//
// Normalization is frame-relative against a slowly decaying running
// maximum: every bin is in [0, 1], the loudest recent bin maps to 1,
// and all-silent input maps to all zeros.
//
// Output frames are published through an atomic pointer rotating over
// three pre-allocated buffers, so Process (audio callback) never shares
// a lock with SpectrumInto (control thread). A reader that stalls for
// two full frames may observe a mix of adjacent frames; values remain
// in range, which is acceptable for visualization.
type Analyzer struct {
	fftSize    int
	sampleRate float64
	smoothing  float64

	fftCalc   *fourier.FFT
	workspace analyzerWorkspace

	runningMax float64

	frames    [3][]float32
	nextFrame int
	published atomic.Pointer[[]float32]
}

// NewAnalyzer creates a spectrum analyzer. fftSize must be a power of
// two; smoothing is the exponential weight of the previous frame in
// [0, 1).
func NewAnalyzer(fftSize int, sampleRate, smoothing float64) (*Analyzer, error) {
	if !bitint.IsPowerOfTwo(fftSize) {
		return nil, fmt.Errorf("fft size must be a power of 2, got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}
	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be in [0, 1), got %f", smoothing)
	}

	bins := fftSize / 2
	a := &Analyzer{
		fftSize:    fftSize,
		sampleRate: sampleRate,
		smoothing:  smoothing,
		fftCalc:    fourier.NewFFT(fftSize),
		workspace: analyzerWorkspace{
			input:     make([]float64, fftSize),
			fftOutput: make([]complex128, fftSize/2+1),
			magnitude: make([]float64, bins),
			smoothed:  make([]float64, bins),
			win:       window.NewValues(window.Hann, fftSize),
		},
	}
	for i := range a.frames {
		a.frames[i] = make([]float32, bins)
	}
	a.published.Store(&a.frames[0])
	a.nextFrame = 1
	return a, nil
}

// Bins returns the fixed output frame length, fftSize/2.
func (a *Analyzer) Bins() int {
	return a.fftSize / 2
}

// FrequencyForBin returns the center frequency in Hz of an output bin.
func (a *Analyzer) FrequencyForBin(bin int) float64 {
	if bin < 0 || bin >= a.Bins() {
		return 0
	}
	return float64(bin) * a.sampleRate / float64(a.fftSize)
}

// Process analyzes one mono block and publishes a new spectrum frame.
// Blocks shorter than the FFT size are zero-padded, so the frame length
// never varies.
// Performance Critical (Hot Path): no allocations, no locks.
func (a *Analyzer) Process(block []float32) {
	ws := &a.workspace

	// Window and widen input; zero-pad the tail.
	for i := 0; i < a.fftSize; i++ {
		if i < len(block) {
			ws.input[i] = float64(block[i]) * ws.win[i]
		} else {
			ws.input[i] = 0
		}
	}

	a.fftCalc.Coefficients(ws.fftOutput, ws.input)

	// Magnitude per bin with exponential smoothing against the
	// previous frame, tracking the frame maximum as we go.
	frameMax := 0.0
	for i := 0; i < len(ws.magnitude); i++ {
		mag := cmplx.Abs(ws.fftOutput[i])
		sm := a.smoothing*ws.smoothed[i] + (1-a.smoothing)*mag
		ws.smoothed[i] = sm
		if sm > frameMax {
			frameMax = sm
		}
	}

	a.runningMax *= maxDecay
	if frameMax > a.runningMax {
		a.runningMax = frameMax
	}

	// Normalize into the next spare frame and publish it.
	frame := a.frames[a.nextFrame]
	if a.runningMax > 0 {
		inv := 1 / a.runningMax
		for i, sm := range ws.smoothed {
			v := sm * inv
			if v > 1 {
				v = 1
			}
			frame[i] = float32(v)
		}
	} else {
		for i := range frame {
			frame[i] = 0
		}
	}
	a.published.Store(&frame)
	a.nextFrame = (a.nextFrame + 1) % len(a.frames)
}

// SpectrumInto copies the most recently published frame into dest,
// which must be exactly Bins() long. Safe to call from the control
// thread while Process runs.
func (a *Analyzer) SpectrumInto(dest []float32) error {
	if len(dest) != a.Bins() {
		return fmt.Errorf("destination length %d does not match bin count %d", len(dest), a.Bins())
	}
	copy(dest, *a.published.Load())
	return nil
}

// Spectrum returns a copy of the most recently published frame. Callers
// on a redraw loop should prefer SpectrumInto with a reused slice.
func (a *Analyzer) Spectrum() []float32 {
	out := make([]float32, a.Bins())
	copy(out, *a.published.Load())
	return out
}
