// SPDX-License-Identifier: MIT
package spsc

import "sync/atomic"

// Command op codes understood by the audio callback.
const (
	OpSetVolume uint32 = iota + 1
	OpSetEqBand
	OpFlush
)

// Command is a fixed-size control message. Anything that does not fit
// three words goes through the mutex-guarded control plane instead,
// never through the callback.
type Command struct {
	Op    uint32
	Index uint32
	Value float32
}

// CommandQueue is a lock-free SPSC queue of Commands, used to hand
// low-latency parameter changes to the audio callback. Same position
// scheme as Ring, one slot per command.
type CommandQueue struct {
	slots    []Command
	mask     uint64
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// NewCommandQueue creates a queue with at least the requested capacity,
// rounded up to a power of two.
func NewCommandQueue(capacity int) *CommandQueue {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &CommandQueue{
		slots: make([]Command, n),
		mask:  uint64(n - 1),
	}
}

// Push enqueues cmd and reports whether it fit. A full queue is not an
// error: the producer keeps the authoritative state and can re-send.
// Producer side only.
func (q *CommandQueue) Push(cmd Command) bool {
	w := q.writePos.Load()
	if w-q.readPos.Load() == uint64(len(q.slots)) {
		return false
	}
	q.slots[w&q.mask] = cmd
	q.writePos.Store(w + 1)
	return true
}

// Pop dequeues the oldest command, if any. Consumer side only.
func (q *CommandQueue) Pop() (Command, bool) {
	r := q.readPos.Load()
	if r == q.writePos.Load() {
		return Command{}, false
	}
	cmd := q.slots[r&q.mask]
	q.readPos.Store(r + 1)
	return cmd, true
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	return int(q.writePos.Load() - q.readPos.Load())
}
