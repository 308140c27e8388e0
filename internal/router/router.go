// SPDX-License-Identifier: MIT
/*
Package router connects audio sources to destinations through
gain-weighted routes and mixes them block by block.

The mixing graph is mutated on the control thread and read on the audio
thread. Mutations rebuild an immutable snapshot (route entries plus all
scratch buffers, pre-allocated) and publish it atomically, so Process
never takes a lock and never allocates.
*/
package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"soundcore/internal/config"
)

var (
	ErrUnknownSource      = errors.New("unknown source")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrDuplicateID        = errors.New("duplicate id")
)

// OutputDestinationID is the reserved destination representing the
// backend output block itself. Playback routes target it; it has no
// registered Destination behind it.
const OutputDestinationID = "output"

// SourceState is the lifecycle of a source. Finished is terminal and
// reported by the source itself when its material runs out.
type SourceState int32

const (
	SourceIdle SourceState = iota
	SourcePlaying
	SourcePaused
	SourceStopped
	SourceFinished
)

func (s SourceState) String() string {
	switch s {
	case SourceIdle:
		return "idle"
	case SourcePlaying:
		return "playing"
	case SourcePaused:
		return "paused"
	case SourceStopped:
		return "stopped"
	case SourceFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Source produces interleaved float32 audio. Read runs on the audio
// thread and must not block or allocate; it returns the sample count
// actually produced, which may be short at end of material.
type Source interface {
	ID() string
	Read(out []float32) int
	State() SourceState
}

// Destination consumes mixed interleaved blocks. Write runs on the
// audio thread; implementations doing real I/O must hand off through a
// ring buffer instead of blocking.
type Destination interface {
	ID() string
	Write(block []float32)
}

// RouteType labels a route's purpose. Playback routes mix into the
// backend output; monitor and record routes feed their destination.
type RouteType int

const (
	RoutePlayback RouteType = iota
	RouteMonitor
	RouteRecord
)

func (t RouteType) String() string {
	switch t {
	case RoutePlayback:
		return "playback"
	case RouteMonitor:
		return "monitor"
	case RouteRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Route is one gain-weighted edge in the mixing graph.
type Route struct {
	SourceID      string
	DestinationID string
	Gain          float32 // clamped to [0, 1] on add
	Type          RouteType
}

// sourceSlot pairs a source with its pre-allocated pull buffer.
type sourceSlot struct {
	src     Source
	scratch []float32
}

type routeEntry struct {
	slot int // index into snapshot.sources
	gain float32
}

// destSlot groups the entries feeding one destination with its
// pre-allocated mix buffer.
type destSlot struct {
	dst     Destination
	entries []routeEntry
	mix     []float32
}

// snapshot is the immutable view Process works from.
type snapshot struct {
	sources  []sourceSlot
	playback []routeEntry
	taps     []destSlot
}

// Router owns the mixing graph.
type Router struct {
	maxBlock int // samples, not frames

	mu     sync.Mutex
	srcs   map[string]Source
	dsts   map[string]Destination
	routes []Route

	snap atomic.Pointer[snapshot]
}

// New creates a router for blocks up to maxBlockFrames frames of
// channels channels. Larger Process blocks are truncated to silence.
func New(maxBlockFrames, channels int) *Router {
	if maxBlockFrames <= 0 {
		maxBlockFrames = config.MaxBufferFrames
	}
	if channels <= 0 {
		channels = config.DefaultChannels
	}
	r := &Router{
		maxBlock: maxBlockFrames * channels,
		srcs:     make(map[string]Source),
		dsts:     make(map[string]Destination),
	}
	r.snap.Store(&snapshot{})
	return r
}

// AddSource registers a source. IDs are unique across sources.
func (r *Router) AddSource(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.srcs[src.ID()]; ok {
		return fmt.Errorf("%w: source %q", ErrDuplicateID, src.ID())
	}
	r.srcs[src.ID()] = src
	r.rebuildLocked()
	return nil
}

// RemoveSource drops a source and every route referencing it.
func (r *Router) RemoveSource(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.srcs[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	delete(r.srcs, id)
	r.dropRoutesLocked(func(rt Route) bool { return rt.SourceID == id })
	r.rebuildLocked()
	return nil
}

// AddDestination registers a destination. OutputDestinationID is
// reserved for the backend output and cannot be registered.
func (r *Router) AddDestination(dst Destination) error {
	if dst.ID() == OutputDestinationID {
		return fmt.Errorf("%w: destination %q is reserved", ErrDuplicateID, OutputDestinationID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dsts[dst.ID()]; ok {
		return fmt.Errorf("%w: destination %q", ErrDuplicateID, dst.ID())
	}
	r.dsts[dst.ID()] = dst
	r.rebuildLocked()
	return nil
}

// RemoveDestination drops a destination and every route feeding it.
func (r *Router) RemoveDestination(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dsts[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDestination, id)
	}
	delete(r.dsts, id)
	r.dropRoutesLocked(func(rt Route) bool { return rt.DestinationID == id })
	r.rebuildLocked()
	return nil
}

// AddRoute connects a registered source to a registered destination
// (or to OutputDestinationID). Gain outside [0, 1] is clamped.
// Duplicate edges are replaced, not stacked.
func (r *Router) AddRoute(rt Route) error {
	if rt.Gain < 0 {
		rt.Gain = 0
	} else if rt.Gain > 1 {
		rt.Gain = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.srcs[rt.SourceID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, rt.SourceID)
	}
	if rt.DestinationID != OutputDestinationID {
		if _, ok := r.dsts[rt.DestinationID]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDestination, rt.DestinationID)
		}
	}

	for i := range r.routes {
		if r.routes[i].SourceID == rt.SourceID && r.routes[i].DestinationID == rt.DestinationID {
			r.routes[i] = rt
			r.rebuildLocked()
			return nil
		}
	}
	r.routes = append(r.routes, rt)
	r.rebuildLocked()
	return nil
}

// RemoveRoute disconnects one edge. Unknown edges are a no-op.
func (r *Router) RemoveRoute(sourceID, destinationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropRoutesLocked(func(rt Route) bool {
		return rt.SourceID == sourceID && rt.DestinationID == destinationID
	})
	r.rebuildLocked()
}

// Routes returns a copy of the current edge list.
func (r *Router) Routes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// PruneFinished removes sources that reported Finished or Stopped,
// along with their routes. Called from the control thread (the engine's
// monitor tick); Process itself never mutates the graph.
func (r *Router) PruneFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, src := range r.srcs {
		st := src.State()
		if st != SourceFinished && st != SourceStopped {
			continue
		}
		delete(r.srcs, id)
		r.dropRoutesLocked(func(rt Route) bool { return rt.SourceID == id })
		removed++
	}
	if removed > 0 {
		r.rebuildLocked()
	}
	return removed
}

func (r *Router) dropRoutesLocked(match func(Route) bool) {
	kept := r.routes[:0]
	for _, rt := range r.routes {
		if !match(rt) {
			kept = append(kept, rt)
		}
	}
	r.routes = kept
}

// rebuildLocked compiles the graph into a fresh snapshot with all
// buffers pre-allocated, then publishes it.
func (r *Router) rebuildLocked() {
	snap := &snapshot{}
	slotOf := make(map[string]int, len(r.srcs))

	for id, src := range r.srcs {
		slotOf[id] = len(snap.sources)
		snap.sources = append(snap.sources, sourceSlot{
			src:     src,
			scratch: make([]float32, r.maxBlock),
		})
	}

	tapOf := make(map[string]int)
	for _, rt := range r.routes {
		slot, ok := slotOf[rt.SourceID]
		if !ok {
			continue
		}
		entry := routeEntry{slot: slot, gain: rt.Gain}

		if rt.DestinationID == OutputDestinationID {
			snap.playback = append(snap.playback, entry)
			continue
		}
		ti, ok := tapOf[rt.DestinationID]
		if !ok {
			ti = len(snap.taps)
			tapOf[rt.DestinationID] = ti
			snap.taps = append(snap.taps, destSlot{
				dst: r.dsts[rt.DestinationID],
				mix: make([]float32, r.maxBlock),
			})
		}
		snap.taps[ti].entries = append(snap.taps[ti].entries, entry)
	}

	r.snap.Store(snap)
}

// Process pulls one block from every playing source, mixes playback
// routes into out, and feeds monitor/record destinations.
//
// Performance Critical (Hot Path): runs on the audio thread every
// block. Lock-free (snapshot load), zero allocations. Sources that are
// not Playing, read short, or whose routes were just removed
// contribute silence.
func (r *Router) Process(out []float32) {
	for i := range out {
		out[i] = 0
	}

	snap := r.snap.Load()
	n := len(out)
	if n == 0 || n > r.maxBlock {
		return
	}

	for i := range snap.sources {
		slot := &snap.sources[i]
		buf := slot.scratch[:n]
		if slot.src.State() != SourcePlaying {
			for j := range buf {
				buf[j] = 0
			}
			continue
		}
		got := slot.src.Read(buf)
		for j := got; j < n; j++ {
			buf[j] = 0
		}
	}

	for _, e := range snap.playback {
		addScaled(out, snap.sources[e.slot].scratch[:n], e.gain)
	}

	for i := range snap.taps {
		tap := &snap.taps[i]
		mix := tap.mix[:n]
		for j := range mix {
			mix[j] = 0
		}
		for _, e := range tap.entries {
			addScaled(mix, snap.sources[e.slot].scratch[:n], e.gain)
		}
		tap.dst.Write(mix)
	}
}

func addScaled(dst, src []float32, gain float32) {
	if gain == 0 {
		return
	}
	if gain == 1 {
		for i := range dst {
			dst[i] += src[i]
		}
		return
	}
	for i := range dst {
		dst[i] += src[i] * gain
	}
}
