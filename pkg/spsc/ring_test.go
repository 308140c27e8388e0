// SPDX-License-Identifier: MIT
package spsc

import (
	"sync"
	"testing"
)

func TestRingCapacityRounding(t *testing.T) {
	tests := []struct {
		requested int
		expected  int
	}{
		{1, 1},
		{100, 128},
		{512, 512},
		{4097, 8192},
	}

	for _, tt := range tests {
		r := NewRing(tt.requested)
		if r.Capacity() != tt.expected {
			t.Errorf("NewRing(%d).Capacity() = %d, expected %d",
				tt.requested, r.Capacity(), tt.expected)
		}
	}
}

func TestRingShortWriteOnFull(t *testing.T) {
	r := NewRing(8)
	data := make([]float32, 12)
	for i := range data {
		data[i] = float32(i)
	}

	n := r.Write(data)
	if n != 8 {
		t.Fatalf("Write into empty ring of 8 wrote %d, expected 8", n)
	}
	if n = r.Write(data); n != 0 {
		t.Fatalf("Write into full ring wrote %d, expected 0", n)
	}

	out := make([]float32, 4)
	if n = r.Read(out); n != 4 {
		t.Fatalf("Read returned %d, expected 4", n)
	}
	// Freed space accepts exactly 4 more samples.
	if n = r.Write(data); n != 4 {
		t.Fatalf("Write after partial drain wrote %d, expected 4", n)
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(8)
	block := []float32{1, 2, 3, 4, 5}
	out := make([]float32, 5)

	// Cycle enough times that read/write positions wrap the mask
	// repeatedly; data must stay in order.
	for cycle := 0; cycle < 100; cycle++ {
		if n := r.Write(block); n != len(block) {
			t.Fatalf("cycle %d: wrote %d, expected %d", cycle, n, len(block))
		}
		if n := r.Read(out); n != len(out) {
			t.Fatalf("cycle %d: read %d, expected %d", cycle, n, len(out))
		}
		for i := range out {
			if out[i] != block[i] {
				t.Fatalf("cycle %d: out[%d] = %v, expected %v", cycle, i, out[i], block[i])
			}
		}
	}
}

func TestRingEmptyRead(t *testing.T) {
	r := NewRing(16)
	out := make([]float32, 8)
	if n := r.Read(out); n != 0 {
		t.Errorf("Read from empty ring returned %d, expected 0", n)
	}
	if r.Available() != 0 {
		t.Errorf("Available() = %d on empty ring", r.Available())
	}
	if r.Free() != 16 {
		t.Errorf("Free() = %d on empty ring of 16", r.Free())
	}
}

// TestRingConcurrentPrefixIntegrity drives one producer and one consumer
// hard from separate goroutines. The consumer must observe an exact
// in-order prefix of the produced sequence: no loss, no duplication,
// no reordering.
func TestRingConcurrentPrefixIntegrity(t *testing.T) {
	const total = 1 << 18
	r := NewRing(256)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		chunk := make([]float32, 33) // deliberately co-prime with capacity
		next := 0
		for next < total {
			k := len(chunk)
			if total-next < k {
				k = total - next
			}
			for i := 0; i < k; i++ {
				chunk[i] = float32(next + i)
			}
			n := r.Write(chunk[:k])
			next += n
		}
	}()

	var mismatch int64 = -1
	go func() {
		defer wg.Done()
		out := make([]float32, 57)
		seen := 0
		for seen < total {
			n := r.Read(out)
			for i := 0; i < n; i++ {
				if out[i] != float32(seen+i) {
					mismatch = int64(seen + i)
					return
				}
			}
			seen += n
		}
	}()

	wg.Wait()
	if mismatch >= 0 {
		t.Fatalf("consumer observed out-of-sequence sample at position %d", mismatch)
	}
}

func TestCommandQueueOrderAndCapacity(t *testing.T) {
	q := NewCommandQueue(4)

	for i := 0; i < 4; i++ {
		if !q.Push(Command{Op: OpSetEqBand, Index: uint32(i), Value: float32(i)}) {
			t.Fatalf("Push %d failed on non-full queue", i)
		}
	}
	if q.Push(Command{Op: OpFlush}) {
		t.Fatal("Push succeeded on full queue")
	}

	for i := 0; i < 4; i++ {
		cmd, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d failed on non-empty queue", i)
		}
		if cmd.Index != uint32(i) {
			t.Errorf("Pop %d returned index %d, expected %d", i, cmd.Index, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop succeeded on empty queue")
	}
}

func BenchmarkRingWriteReadHotPath(b *testing.B) {
	r := NewRing(4096)
	block := make([]float32, 512)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Write(block)
		r.Read(block)
	}
}
