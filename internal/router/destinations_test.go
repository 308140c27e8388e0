// SPDX-License-Identifier: MIT
package router

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestLevelMeterPeakAndRMS(t *testing.T) {
	m := NewLevelMeterDestination("meter")
	m.Write([]float32{0.5, -0.8, 0.1, 0})

	if got := m.Peak(); got != 0.8 {
		t.Errorf("Peak = %v, expected 0.8", got)
	}
	expectedRMS := float32(math.Sqrt((0.25 + 0.64 + 0.01) / 4))
	if got := m.RMS(); math.Abs(float64(got-expectedRMS)) > 1e-6 {
		t.Errorf("RMS = %v, expected %v", got, expectedRMS)
	}

	// MaxPeak holds across quieter blocks; per-block values follow.
	m.Write([]float32{0.1, -0.1})
	if got := m.Peak(); got != 0.1 {
		t.Errorf("Peak = %v after quiet block, expected 0.1", got)
	}
	if got := m.MaxPeak(); got != 0.8 {
		t.Errorf("MaxPeak = %v, expected 0.8", got)
	}
	m.ResetPeak()
	if got := m.MaxPeak(); got != 0 {
		t.Errorf("MaxPeak = %v after reset, expected 0", got)
	}
}

func TestRingDestinationCountsDrops(t *testing.T) {
	d := NewRingDestination("tap", 8)
	block := make([]float32, 8)

	d.Write(block)
	if d.Dropped() != 0 {
		t.Fatalf("dropped %d on a fitting block, expected 0", d.Dropped())
	}
	d.Write(block)
	if d.Dropped() != 8 {
		t.Errorf("dropped %d with a full ring, expected 8", d.Dropped())
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.wav")
	rec, err := NewRecorderDestination("rec", path, 44100, 2)
	if err != nil {
		t.Fatalf("NewRecorderDestination: %v", err)
	}

	// A full sine cycle per block keeps values well inside [-1, 1].
	block := make([]float32, 1024)
	for i := range block {
		block[i] = 0.25 * float32(math.Sin(2*math.Pi*float64(i)/float64(len(block))))
	}
	const blocks = 4
	for i := 0; i < blocks; i++ {
		rec.Write(block)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.Dropped() != 0 {
		t.Fatalf("recorder dropped %d samples", rec.Dropped())
	}

	src, err := NewWAVSource("readback", path)
	if err != nil {
		t.Fatalf("reading captured file: %v", err)
	}
	if src.Channels() != 2 || src.SampleRate() != 44100 {
		t.Errorf("captured format %d ch @ %d Hz, expected 2 ch @ 44100 Hz",
			src.Channels(), src.SampleRate())
	}
	wantFrames := blocks * len(block) / 2
	if src.TotalFrames() != wantFrames {
		t.Errorf("captured %d frames, expected %d", src.TotalFrames(), wantFrames)
	}

	// Spot check: 16-bit quantization bounds the error.
	if err := src.Play(); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, len(block))
	src.Read(out)
	for i := 0; i < 32; i++ {
		if math.Abs(float64(out[i]-block[i])) > 1.0/32000 {
			t.Fatalf("sample %d = %v, expected ~%v", i, out[i], block[i])
		}
	}
}

func TestRecorderPauseStopsCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paused.wav")
	rec, err := NewRecorderDestination("rec", path, 8000, 1)
	if err != nil {
		t.Fatalf("NewRecorderDestination: %v", err)
	}

	block := make([]float32, 64)
	rec.Write(block)
	rec.Pause()
	rec.Write(block)
	rec.Write(block)
	rec.Resume()
	rec.Write(block)

	// Give the drain goroutine a tick to move data.
	time.Sleep(120 * time.Millisecond)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close must be a no-op: %v", err)
	}

	src, err := NewWAVSource("readback", path)
	if err != nil {
		t.Fatalf("reading captured file: %v", err)
	}
	if src.TotalFrames() != 128 {
		t.Errorf("captured %d frames, expected 128 (two unpaused blocks)", src.TotalFrames())
	}
}
