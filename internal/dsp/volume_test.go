// SPDX-License-Identifier: MIT
package dsp

import (
	"math"
	"testing"

	"soundcore/pkg/utils"
)

func TestVolumeClamping(t *testing.T) {
	tests := []struct {
		input    float32
		expected float32
	}{
		{-0.5, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{1.5, 1},
		{float32(math.NaN()), 0},
	}

	v := NewVolume(1)
	for _, tt := range tests {
		v.Set(tt.input)
		if got := v.Get(); got != tt.expected {
			t.Errorf("Set(%v) stored %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestVolumeZeroIsExactSilence(t *testing.T) {
	v := NewVolume(0)
	block := utils.GenerateComplexWave(512, 44100)
	v.Apply(block)
	for i, s := range block {
		if s != 0 {
			t.Fatalf("sample %d = %v at volume 0, expected exact 0", i, s)
		}
	}
}

func TestVolumeUnityIsIdentity(t *testing.T) {
	v := NewVolume(1)
	block := utils.GenerateComplexWave(512, 44100)
	original := make([]float32, len(block))
	copy(original, block)

	v.Apply(block)
	for i := range block {
		if block[i] != original[i] {
			t.Fatalf("sample %d changed at unity volume: %v != %v", i, block[i], original[i])
		}
	}
}

func TestVolumeNeverAmplifies(t *testing.T) {
	block := utils.GenerateComplexWave(512, 44100)
	original := make([]float32, len(block))
	copy(original, block)

	for _, level := range []float32{0, 0.1, 0.5, 0.9, 1} {
		copy(block, original)
		v := NewVolume(level)
		v.Apply(block)
		for i := range block {
			if math.Abs(float64(block[i])) > math.Abs(float64(original[i])) {
				t.Fatalf("level %v amplified sample %d: |%v| > |%v|",
					level, i, block[i], original[i])
			}
		}
	}
}

func TestVolumeHalf(t *testing.T) {
	v := NewVolume(0.5)
	block := []float32{1, -1, 0.5, 0}
	v.Apply(block)
	expected := []float32{0.5, -0.5, 0.25, 0}
	for i := range block {
		if math.Abs(float64(block[i]-expected[i])) > 1e-7 {
			t.Errorf("sample %d = %v, expected %v", i, block[i], expected[i])
		}
	}
}

func BenchmarkVolumeApplyHotPath(b *testing.B) {
	v := NewVolume(0.7)
	block := utils.GenerateComplexWave(1024, 44100)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Apply(block)
	}
}
