// SPDX-License-Identifier: MIT
/*
Package spsc implements single-producer/single-consumer queues for
moving audio samples and control commands between the control thread
and the audio callback without locks.

Thread Safety:
- Exactly one goroutine may call Write/Push, exactly one may call Read/Pop.
- Positions are monotonically increasing atomic counters; the index into
  the backing array is position & mask (capacity is a power of two).
- The producer publishes payload with a release store of the write
  position; the consumer observes it with an acquire load. Go's
  sync/atomic provides these orderings for Store/Load.

Real-Time Safety:
- No allocation after construction, no blocking, no syscalls.
- Write and Read return short counts instead of waiting; the caller
  decides whether to retry, drop, or emit silence.
*/
package spsc

import (
	"sync/atomic"

	"soundcore/pkg/bitint"
)

// Ring is a lock-free SPSC ring buffer of float32 samples.
type Ring struct {
	buf      []float32
	mask     uint64
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// NewRing creates a ring with at least the requested capacity, rounded
// up to the next power of two.
func NewRing(capacity int) *Ring {
	capacity = bitint.NextPowerOfTwo(capacity)
	return &Ring{
		buf:  make([]float32, capacity),
		mask: uint64(capacity - 1),
	}
}

// Capacity returns the total sample capacity of the ring.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Available returns the number of samples ready to read.
// write−read never exceeds capacity because Write bounds itself by Free.
func (r *Ring) Available() int {
	return int(r.writePos.Load() - r.readPos.Load())
}

// Free returns the number of samples that can be written without
// overrunning unread data.
func (r *Ring) Free() int {
	return len(r.buf) - r.Available()
}

// Write copies as many samples as free capacity allows and returns the
// count actually written. It never blocks and never overwrites unread
// data; a short count means the caller must retry or drop the rest.
// Producer side only.
func (r *Ring) Write(samples []float32) int {
	w := r.writePos.Load()
	free := uint64(len(r.buf)) - (w - r.readPos.Load())

	n := uint64(len(samples))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	start := w & r.mask
	end := (w + n) & r.mask
	if end > start || end == 0 {
		copy(r.buf[start:start+n], samples[:n])
	} else {
		// Wraps past the end of the backing array.
		first := uint64(len(r.buf)) - start
		copy(r.buf[start:], samples[:first])
		copy(r.buf[:end], samples[first:n])
	}

	// Release store: payload copies above happen-before this publish.
	r.writePos.Store(w + n)
	return int(n)
}

// Read copies up to len(out) available samples into out and returns the
// count. It never blocks; zero means the buffer is drained and the
// caller (typically the audio callback) should fill with silence.
// Consumer side only.
func (r *Ring) Read(out []float32) int {
	rp := r.readPos.Load()
	avail := r.writePos.Load() - rp // acquire: payload is visible

	n := uint64(len(out))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}

	start := rp & r.mask
	end := (rp + n) & r.mask
	if end > start || end == 0 {
		copy(out[:n], r.buf[start:start+n])
	} else {
		first := uint64(len(r.buf)) - start
		copy(out[:first], r.buf[start:])
		copy(out[first:n], r.buf[:end])
	}

	r.readPos.Store(rp + n)
	return int(n)
}

// Reset discards all buffered samples. Only safe while neither side is
// actively using the ring (e.g. between streams).
func (r *Ring) Reset() {
	r.readPos.Store(r.writePos.Load())
}
