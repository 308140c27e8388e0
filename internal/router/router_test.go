// SPDX-License-Identifier: MIT
package router

import (
	"errors"
	"math"
	"testing"
)

// constSource emits a fixed value every sample.
type constSource struct {
	id    string
	value float32
	state SourceState
}

func (s *constSource) ID() string         { return s.id }
func (s *constSource) State() SourceState { return s.state }

func (s *constSource) Read(out []float32) int {
	for i := range out {
		out[i] = s.value
	}
	return len(out)
}

// captureDest keeps a copy of the last block it received.
type captureDest struct {
	id     string
	last   []float32
	writes int
}

func (d *captureDest) ID() string { return d.id }

func (d *captureDest) Write(block []float32) {
	d.last = append(d.last[:0], block...)
	d.writes++
}

func newTestRouter() *Router { return New(512, 2) }

func TestRouterRouteValidation(t *testing.T) {
	r := newTestRouter()
	src := &constSource{id: "tone", value: 1, state: SourcePlaying}

	err := r.AddRoute(Route{SourceID: "tone", DestinationID: OutputDestinationID})
	if !errors.Is(err, ErrUnknownSource) {
		t.Errorf("route from unregistered source: %v, expected ErrUnknownSource", err)
	}

	if err := r.AddSource(src); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := r.AddSource(src); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate source: %v, expected ErrDuplicateID", err)
	}

	err = r.AddRoute(Route{SourceID: "tone", DestinationID: "nowhere"})
	if !errors.Is(err, ErrUnknownDestination) {
		t.Errorf("route to unregistered destination: %v, expected ErrUnknownDestination", err)
	}

	if err := r.AddDestination(&captureDest{id: OutputDestinationID}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("registering the reserved output destination: %v, expected ErrDuplicateID", err)
	}
}

func TestRouterGainScalesPlayback(t *testing.T) {
	r := newTestRouter()
	src := &constSource{id: "tone", value: 0.8, state: SourcePlaying}
	if err := r.AddSource(src); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := r.AddRoute(Route{SourceID: "tone", DestinationID: OutputDestinationID, Gain: 0.5}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	out := make([]float32, 64)
	r.Process(out)
	for i, s := range out {
		if math.Abs(float64(s-0.4)) > 1e-6 {
			t.Fatalf("out[%d] = %v, expected 0.4 (0.8 at gain 0.5)", i, s)
		}
	}
}

func TestRouterGainClamping(t *testing.T) {
	r := newTestRouter()
	if err := r.AddSource(&constSource{id: "a", value: 1, state: SourcePlaying}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: OutputDestinationID, Gain: 3}); err != nil {
		t.Fatal(err)
	}

	routes := r.Routes()
	if len(routes) != 1 || routes[0].Gain != 1 {
		t.Errorf("gain 3 stored as %v, expected clamp to 1", routes[0].Gain)
	}
}

func TestRouterSumsMultipleSources(t *testing.T) {
	r := newTestRouter()
	for _, s := range []*constSource{
		{id: "a", value: 0.2, state: SourcePlaying},
		{id: "b", value: 0.3, state: SourcePlaying},
	} {
		if err := r.AddSource(s); err != nil {
			t.Fatal(err)
		}
		if err := r.AddRoute(Route{SourceID: s.id, DestinationID: OutputDestinationID, Gain: 1}); err != nil {
			t.Fatal(err)
		}
	}

	out := make([]float32, 32)
	r.Process(out)
	for i, s := range out {
		if math.Abs(float64(s-0.5)) > 1e-6 {
			t.Fatalf("out[%d] = %v, expected 0.5 sum", i, s)
		}
	}
}

func TestRouterReplacesDuplicateEdge(t *testing.T) {
	r := newTestRouter()
	if err := r.AddSource(&constSource{id: "a", value: 1, state: SourcePlaying}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: OutputDestinationID, Gain: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: OutputDestinationID, Gain: 0.25}); err != nil {
		t.Fatal(err)
	}

	if n := len(r.Routes()); n != 1 {
		t.Fatalf("duplicate edge stacked: %d routes, expected 1", n)
	}

	out := make([]float32, 16)
	r.Process(out)
	if math.Abs(float64(out[0]-0.25)) > 1e-6 {
		t.Errorf("out[0] = %v, expected 0.25 after gain replacement", out[0])
	}
}

func TestRouterNonPlayingSourceIsSilent(t *testing.T) {
	r := newTestRouter()
	src := &constSource{id: "a", value: 1, state: SourcePaused}
	if err := r.AddSource(src); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: OutputDestinationID, Gain: 1}); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 16)
	out[3] = 0.7 // Process must overwrite stale data
	r.Process(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("out[%d] = %v from paused source, expected 0", i, s)
		}
	}
}

func TestRouterMonitorTapReceivesMix(t *testing.T) {
	r := newTestRouter()
	tap := &captureDest{id: "meter"}
	if err := r.AddSource(&constSource{id: "a", value: 0.5, state: SourcePlaying}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddDestination(tap); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: OutputDestinationID, Gain: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: "meter", Gain: 0.5, Type: RouteMonitor}); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 8)
	r.Process(out)

	if tap.writes != 1 || len(tap.last) != 8 {
		t.Fatalf("tap writes=%d len=%d, expected one 8-sample block", tap.writes, len(tap.last))
	}
	if math.Abs(float64(tap.last[0]-0.25)) > 1e-6 {
		t.Errorf("tap[0] = %v, expected 0.25", tap.last[0])
	}
	if math.Abs(float64(out[0]-0.5)) > 1e-6 {
		t.Errorf("playback out[0] = %v, expected 0.5 (monitor gain must not affect playback)", out[0])
	}
}

func TestRouterPruneRemovesFinishedSources(t *testing.T) {
	r := newTestRouter()
	src := NewPCMSource("clip", []float32{0.1, 0.2, 0.3, 0.4}, 44100, 2)
	if err := r.AddSource(src); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "clip", DestinationID: OutputDestinationID, Gain: 1}); err != nil {
		t.Fatal(err)
	}
	if err := src.Play(); err != nil {
		t.Fatal(err)
	}

	// First block consumes the whole clip; tail is zero-filled.
	out := make([]float32, 8)
	r.Process(out)
	for i, want := range []float32{0.1, 0.2, 0.3, 0.4, 0, 0, 0, 0} {
		if math.Abs(float64(out[i]-want)) > 1e-6 {
			t.Fatalf("out[%d] = %v, expected %v", i, out[i], want)
		}
	}
	if src.State() != SourceFinished {
		t.Fatalf("source state = %s after material ran out, expected finished", src.State())
	}

	if removed := r.PruneFinished(); removed != 1 {
		t.Errorf("PruneFinished removed %d, expected 1", removed)
	}
	if n := len(r.Routes()); n != 0 {
		t.Errorf("%d routes left after prune, expected 0", n)
	}
}

func TestRouterRemoveSourceDropsItsRoutes(t *testing.T) {
	r := newTestRouter()
	if err := r.AddSource(&constSource{id: "a", value: 1, state: SourcePlaying}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: OutputDestinationID, Gain: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveSource("a"); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Routes()); n != 0 {
		t.Errorf("%d routes after RemoveSource, expected 0", n)
	}

	out := make([]float32, 8)
	r.Process(out)
	for _, s := range out {
		if s != 0 {
			t.Fatal("removed source still audible")
		}
	}
}

func TestRouterOversizedBlockIsSilence(t *testing.T) {
	r := New(4, 1)
	if err := r.AddSource(&constSource{id: "a", value: 1, state: SourcePlaying}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{SourceID: "a", DestinationID: OutputDestinationID, Gain: 1}); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 64)
	r.Process(out)
	for _, s := range out {
		if s != 0 {
			t.Fatal("oversized block not silenced")
		}
	}
}

func BenchmarkRouterProcessHotPath(b *testing.B) {
	r := newTestRouter()
	for _, id := range []string{"a", "b", "c"} {
		if err := r.AddSource(&constSource{id: id, value: 0.1, state: SourcePlaying}); err != nil {
			b.Fatal(err)
		}
		if err := r.AddRoute(Route{SourceID: id, DestinationID: OutputDestinationID, Gain: 0.7}); err != nil {
			b.Fatal(err)
		}
	}
	out := make([]float32, 1024)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Process(out)
	}
}
