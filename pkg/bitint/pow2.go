// SPDX-License-Identifier: MIT
//
// Package bitint provides power-of-two sizing helpers for buffers whose
// index arithmetic relies on bit masking (ring buffers, FFT windows).
// All operations are O(1), allocation-free, and safe in real-time code.
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size.
// Exact powers of 2 are returned unchanged; zero and negative
// inputs map to 1.
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len64(uint64(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2.
// Powers of 2 have exactly one bit set, so n&(n-1) clears it.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
