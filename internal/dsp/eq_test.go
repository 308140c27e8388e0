// SPDX-License-Identifier: MIT
package dsp

import (
	"math"
	"testing"

	"soundcore/pkg/utils"
)

const testSampleRate = 44100

// processSine pushes one second of a sine through the equalizer in
// stream-sized blocks and returns the output RMS of the second half,
// past the filter warm-up transient.
func processSine(t *testing.T, eq *Equalizer, freq float64) float64 {
	t.Helper()
	signal := utils.GenerateSineWave(testSampleRate, testSampleRate, freq)
	for start := 0; start < len(signal); start += 512 {
		end := start + 512
		if end > len(signal) {
			end = len(signal)
		}
		eq.Process(signal[start:end])
	}
	return utils.RMS(signal[len(signal)/2:])
}

func ratioDB(a, b float64) float64 {
	return 20 * math.Log10(a/b)
}

func TestGainClamping(t *testing.T) {
	eq, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		requested float32
		expected  float32
	}{
		{-40, -12}, // Below range
		{-12, -12}, // Lower boundary
		{0, 0},     // Identity
		{6.5, 6.5}, // In range
		{12, 12},   // Upper boundary
		{40, 12},   // Above range
	}

	for _, tt := range tests {
		if err := eq.SetBandGain(3, tt.requested); err != nil {
			t.Fatalf("SetBandGain(3, %v): %v", tt.requested, err)
		}
		got, err := eq.BandGain(3)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.expected {
			t.Errorf("requested %v dB, applied %v dB, expected %v dB",
				tt.requested, got, tt.expected)
		}
	}
}

func TestBandIndexValidation(t *testing.T) {
	eq, err := NewEqualizer(testSampleRate, 2)
	if err != nil {
		t.Fatal(err)
	}

	for _, band := range []int{-1, NumBands, 100} {
		if err := eq.SetBandGain(band, 0); err == nil {
			t.Errorf("SetBandGain(%d, 0) accepted an invalid band", band)
		}
		if _, err := eq.BandGain(band); err == nil {
			t.Errorf("BandGain(%d) accepted an invalid band", band)
		}
	}
}

func TestCenterFrequencies(t *testing.T) {
	expected := []float64{60, 120, 240, 480, 960, 1920, 3840, 7680}
	for band, want := range expected {
		if got := CenterFrequency(band); math.Abs(got-want) > 1e-9 {
			t.Errorf("CenterFrequency(%d) = %v, expected %v", band, got, want)
		}
	}
}

// TestFlatResponseIsIdentity verifies that an all-zero-gain equalizer
// passes a block through unchanged within floating-point rounding, even
// though every band still runs.
func TestFlatResponseIsIdentity(t *testing.T) {
	eq, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}

	signal := utils.GenerateComplexWave(4096, testSampleRate)
	original := make([]float32, len(signal))
	copy(original, signal)

	eq.Process(signal)

	for i := range signal {
		if diff := math.Abs(float64(signal[i] - original[i])); diff > 1e-5 {
			t.Fatalf("sample %d changed by %v at 0 dB, expected identity", i, diff)
		}
	}
}

// TestBandCutAttenuatesCenter is the end-to-end regression for "EQ
// actually affects output": a full cut on the 960 Hz band must drop a
// 960 Hz sine by approximately the band gain.
func TestBandCutAttenuatesCenter(t *testing.T) {
	flat, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	cut, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := cut.SetBandGain(4, -12); err != nil { // 960 Hz
		t.Fatal(err)
	}

	reference := processSine(t, flat, 960)
	attenuated := processSine(t, cut, 960)

	gotDB := ratioDB(attenuated, reference)
	if math.Abs(gotDB-(-12)) > 1 {
		t.Errorf("960 Hz cut measured %.2f dB, expected -12 dB ±1 dB", gotDB)
	}
}

func TestBandBoostRaisesCenter(t *testing.T) {
	flat, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	boost, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := boost.SetBandGain(2, 12); err != nil { // 240 Hz
		t.Fatal(err)
	}

	reference := processSine(t, flat, 240)
	boosted := processSine(t, boost, 240)

	gotDB := ratioDB(boosted, reference)
	if math.Abs(gotDB-12) > 1 {
		t.Errorf("240 Hz boost measured %.2f dB, expected +12 dB ±1 dB", gotDB)
	}
}

// TestBandIndependence verifies that driving one band hard leaves the
// measured response at a distant band's center essentially unchanged.
func TestBandIndependence(t *testing.T) {
	flat, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	skewed, err := NewEqualizer(testSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := skewed.SetBandGain(1, 12); err != nil { // 120 Hz
		t.Fatal(err)
	}

	probe := CenterFrequency(6) // 3840 Hz, five octaves away
	reference := processSine(t, flat, probe)
	measured := processSine(t, skewed, probe)

	if deltaDB := math.Abs(ratioDB(measured, reference)); deltaDB > 0.2 {
		t.Errorf("band 1 at +12 dB moved the 3840 Hz response by %.3f dB, expected < 0.2 dB", deltaDB)
	}
}

func TestStereoStateSeparation(t *testing.T) {
	eq, err := NewEqualizer(testSampleRate, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := eq.SetBandGain(4, -12); err != nil {
		t.Fatal(err)
	}

	// Left carries a sine, right carries silence. If delay lines were
	// shared across channels the silent channel would leak energy.
	mono := utils.GenerateSineWave(8192, testSampleRate, 960)
	interleaved := make([]float32, len(mono)*2)
	for i, s := range mono {
		interleaved[2*i] = s
		interleaved[2*i+1] = 0
	}

	eq.Process(interleaved)

	for i := 0; i < len(interleaved); i += 2 {
		if interleaved[i+1] != 0 {
			t.Fatalf("silent right channel contaminated at frame %d: %v", i/2, interleaved[i+1])
		}
	}
}

func BenchmarkEqualizerProcessHotPath(b *testing.B) {
	eq, err := NewEqualizer(testSampleRate, 2)
	if err != nil {
		b.Fatal(err)
	}
	for band := 0; band < NumBands; band++ {
		eq.SetBandGain(band, float32(band)-4)
	}
	block := utils.GenerateComplexWave(1024, testSampleRate)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eq.Process(block)
	}
}
