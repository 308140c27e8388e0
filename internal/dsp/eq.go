// SPDX-License-Identifier: MIT
/*
Package dsp implements the per-block signal chain: an eight-band
peaking equalizer, a windowed-FFT spectrum analyzer, and the master
volume stage.

Thread Safety:
- Parameter mutation happens on the control thread and publishes
  results through atomics; the per-block processing methods run on the
  audio callback and never take a lock.
- Pre-allocated workspaces only; nothing in a Process method allocates.
*/
package dsp

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ErrInvalidBand is returned for band indices outside [0, NumBands).
var ErrInvalidBand = errors.New("equalizer band index out of range")

// Equalizer geometry. Band centers sit roughly an octave apart from
// 60 Hz to 7.68 kHz with a fixed bell width.
const (
	NumBands     = 8
	BaseBandFreq = 60.0
	BandQ        = 1.0
	MinGainDB    = -12.0
	MaxGainDB    = 12.0
)

// biquadCoeffs is one band's normalized peaking-filter transfer
// function (RBJ cookbook form, a0 divided through).
type biquadCoeffs struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// biquadState is the transposed direct-form II delay line, one pair per
// channel so interleaved processing stays channel-correct.
type biquadState struct {
	z1, z2 []float64
}

// Equalizer is a serial bank of NumBands independent peaking filters.
//
// Coefficients are recomputed only when a band's gain changes, never
// per sample. Mutation recomputes under a mutex and publishes the full
// coefficient set via an atomic pointer; Process loads the pointer once
// per block, so the callback never contends with the control thread.
type Equalizer struct {
	sampleRate float64
	channels   int

	mu     sync.Mutex // guards gains and coefficient recompute
	gains  [NumBands]float32
	coeffs atomic.Pointer[[NumBands]biquadCoeffs]

	// Filter state is touched only by the audio callback.
	state [NumBands]biquadState
}

// NewEqualizer creates a flat (0 dB everywhere) equalizer for the given
// stream format.
func NewEqualizer(sampleRate float64, channels int) (*Equalizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}
	if channels < 1 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	eq := &Equalizer{
		sampleRate: sampleRate,
		channels:   channels,
	}
	for band := range eq.state {
		eq.state[band] = biquadState{
			z1: make([]float64, channels),
			z2: make([]float64, channels),
		}
	}
	eq.recompute()
	return eq, nil
}

// CenterFrequency returns the fixed center frequency of a band in Hz.
func CenterFrequency(band int) float64 {
	return BaseBandFreq * math.Pow(2, float64(band))
}

// SetBandGain sets one band's gain in dB, clamped to [MinGainDB,
// MaxGainDB]. Bands are independent: recomputing band i leaves every
// other band's coefficients bit-identical.
func (eq *Equalizer) SetBandGain(band int, gainDB float32) error {
	if band < 0 || band >= NumBands {
		return fmt.Errorf("%w: %d", ErrInvalidBand, band)
	}

	if gainDB < MinGainDB {
		gainDB = MinGainDB
	}
	if gainDB > MaxGainDB {
		gainDB = MaxGainDB
	}

	eq.mu.Lock()
	eq.gains[band] = gainDB
	eq.recompute()
	eq.mu.Unlock()
	return nil
}

// BandGain returns one band's current gain in dB.
func (eq *Equalizer) BandGain(band int) (float32, error) {
	if band < 0 || band >= NumBands {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBand, band)
	}
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return eq.gains[band], nil
}

// Gains returns a snapshot of all band gains in dB.
func (eq *Equalizer) Gains() [NumBands]float32 {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return eq.gains
}

// Reset zeroes the filter delay lines. Call between streams, never
// while the callback is running.
func (eq *Equalizer) Reset() {
	for band := range eq.state {
		for ch := 0; ch < eq.channels; ch++ {
			eq.state[band].z1[ch] = 0
			eq.state[band].z2[ch] = 0
		}
	}
}

// recompute rebuilds the whole coefficient set and publishes it.
// Caller holds eq.mu (or is the constructor).
func (eq *Equalizer) recompute() {
	set := new([NumBands]biquadCoeffs)
	for band := range set {
		set[band] = peakingCoeffs(eq.sampleRate, CenterFrequency(band), BandQ, float64(eq.gains[band]))
	}
	eq.coeffs.Store(set)
}

// peakingCoeffs derives normalized RBJ peaking-EQ coefficients.
// At 0 dB the numerator equals the denominator and the band is an
// exact pass-through.
func peakingCoeffs(sampleRate, freq, q, gainDB float64) biquadCoeffs {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	a0 := 1 + alpha/a
	return biquadCoeffs{
		b0: (1 + alpha*a) / a0,
		b1: -2 * cosW0 / a0,
		b2: (1 - alpha*a) / a0,
		a1: -2 * cosW0 / a0,
		a2: (1 - alpha/a) / a0,
	}
}

// Process runs the interleaved block through all bands in series,
// in place.
// Performance Critical (Hot Path):
// - No allocations, no locks; one atomic pointer load per block.
// - Every band always runs, including bands at unity gain, so the
//   measured chain is the configured chain.
func (eq *Equalizer) Process(block []float32) {
	coeffs := eq.coeffs.Load()
	channels := eq.channels

	for band := 0; band < NumBands; band++ {
		c := &coeffs[band]
		st := &eq.state[band]
		for i := 0; i < len(block); i++ {
			ch := i % channels
			x := float64(block[i])
			// Transposed direct form II.
			y := c.b0*x + st.z1[ch]
			st.z1[ch] = c.b1*x - c.a1*y + st.z2[ch]
			st.z2[ch] = c.b2*x - c.a2*y
			block[i] = float32(y)
		}
	}
}
