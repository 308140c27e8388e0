// SPDX-License-Identifier: MIT
package dsp

import (
	"math"
	"sync/atomic"
)

// Volume is the master gain stage. The level crosses from the control
// thread to the audio callback as an atomic float bit pattern, so
// neither side ever blocks.
type Volume struct {
	bits atomic.Uint32
}

// NewVolume creates a volume stage at the given initial level,
// clamped to [0, 1].
func NewVolume(level float32) *Volume {
	v := &Volume{}
	v.Set(level)
	return v
}

// Set stores a new level, clamped to [0, 1]. Control thread side.
func (v *Volume) Set(level float32) {
	if level < 0 || math.IsNaN(float64(level)) {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	v.bits.Store(math.Float32bits(level))
}

// Get returns the current level.
func (v *Volume) Get() float32 {
	return math.Float32frombits(v.bits.Load())
}

// Apply scales the block in place.
// Performance Critical (Hot Path): one atomic load per block.
// Unity passes samples through untouched and zero writes exact
// silence, so the boundary levels are bit-exact.
func (v *Volume) Apply(block []float32) {
	level := math.Float32frombits(v.bits.Load())
	switch level {
	case 1:
		return
	case 0:
		for i := range block {
			block[i] = 0
		}
	default:
		for i := range block {
			block[i] *= level
		}
	}
}
