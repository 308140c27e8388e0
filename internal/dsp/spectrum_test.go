// SPDX-License-Identifier: MIT
package dsp

import (
	"testing"

	"soundcore/pkg/utils"
)

func TestAnalyzerRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name       string
		fftSize    int
		sampleRate float64
		smoothing  float64
	}{
		{"non power of two", 500, testSampleRate, 0.5},
		{"zero sample rate", 512, 0, 0.5},
		{"smoothing too high", 512, testSampleRate, 1.0},
		{"negative smoothing", 512, testSampleRate, -0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAnalyzer(tt.fftSize, tt.sampleRate, tt.smoothing); err == nil {
				t.Error("NewAnalyzer accepted invalid parameters")
			}
		})
	}
}

func TestSpectrumLengthIsFixed(t *testing.T) {
	a, err := NewAnalyzer(512, testSampleRate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.Bins() != 256 {
		t.Fatalf("Bins() = %d, expected 256", a.Bins())
	}

	// Short, exact, and oversized blocks all produce 256 bins.
	for _, blockLen := range []int{0, 100, 512, 2048} {
		a.Process(make([]float32, blockLen))
		if got := len(a.Spectrum()); got != 256 {
			t.Errorf("block of %d samples produced %d bins, expected 256", blockLen, got)
		}
	}
}

func TestSilentInputIsAllZero(t *testing.T) {
	a, err := NewAnalyzer(512, testSampleRate, 0.7)
	if err != nil {
		t.Fatal(err)
	}

	for frame := 0; frame < 5; frame++ {
		a.Process(make([]float32, 512))
	}
	for i, v := range a.Spectrum() {
		if v != 0 {
			t.Fatalf("bin %d = %v for silent input, expected 0", i, v)
		}
	}
}

func TestSpectrumNormalizedRange(t *testing.T) {
	a, err := NewAnalyzer(512, testSampleRate, 0.7)
	if err != nil {
		t.Fatal(err)
	}

	signal := utils.GenerateComplexWave(512*8, testSampleRate)
	for start := 0; start < len(signal); start += 512 {
		a.Process(signal[start : start+512])
	}

	frame := a.Spectrum()
	peak := float32(0)
	for i, v := range frame {
		if v < 0 || v > 1 {
			t.Fatalf("bin %d = %v outside [0, 1]", i, v)
		}
		if v > peak {
			peak = v
		}
	}
	// Frame-relative normalization maps the loudest bin to 1.
	if peak < 0.99 {
		t.Errorf("loudest bin = %v, expected ≈1 under frame-relative normalization", peak)
	}
}

func TestPeakBinTracksSineFrequency(t *testing.T) {
	const fftSize = 512
	a, err := NewAnalyzer(fftSize, testSampleRate, 0)
	if err != nil {
		t.Fatal(err)
	}

	const freq = 1000.0
	signal := utils.GenerateSineWave(fftSize*4, testSampleRate, freq)
	for start := 0; start < len(signal); start += fftSize {
		a.Process(signal[start : start+fftSize])
	}

	frame := a.Spectrum()
	peakBin := utils.FindPeakBin(frame, 1, len(frame)-1)
	binFrac := float64(freq) * fftSize / testSampleRate
	expectedBin := int(binFrac) // ≈11

	if peakBin < expectedBin-1 || peakBin > expectedBin+1 {
		t.Errorf("peak at bin %d (%.0f Hz), expected near bin %d (%.0f Hz)",
			peakBin, a.FrequencyForBin(peakBin), expectedBin, freq)
	}
}

func TestSpectrumIntoLengthCheck(t *testing.T) {
	a, err := NewAnalyzer(512, testSampleRate, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.SpectrumInto(make([]float32, 100)); err == nil {
		t.Error("SpectrumInto accepted a wrong-length destination")
	}
	if err := a.SpectrumInto(make([]float32, 256)); err != nil {
		t.Errorf("SpectrumInto rejected a correct destination: %v", err)
	}
}

func BenchmarkAnalyzerProcessHotPath(b *testing.B) {
	a, err := NewAnalyzer(512, testSampleRate, 0.7)
	if err != nil {
		b.Fatal(err)
	}
	block := utils.GenerateComplexWave(512, testSampleRate)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Process(block)
	}
}
