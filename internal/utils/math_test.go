package utils

import (
	"math"
	"testing"
)

// TestRound tests the floating-point rounding function
func TestRound(t *testing.T) {
	tests := []struct {
		name  string
		input float64
		want  float64
	}{
		{name: "round down", input: 1.234, want: 1.23},
		{name: "round up", input: 1.236, want: 1.24},
		{name: "exact two decimals", input: 1.23, want: 1.23},
		{name: "zero", input: 0.0, want: 0.0},
		{name: "negative round up", input: -1.236, want: -1.24},
		{name: "boundary .5", input: 1.235, want: 1.24},
		{name: "use percent", input: 84.00000001, want: 84.0},
		{name: "just under 100", input: 99.999, want: 100.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Round(tt.input)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("Round(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestPercent tests ratio calculation and clamping
func TestPercent(t *testing.T) {
	const gib = uint64(1024 * 1024 * 1024)

	tests := []struct {
		name  string
		part  uint64
		whole uint64
		want  float64
	}{
		{name: "data disk", part: 420 * gib, whole: 500 * gib, want: 84.0},
		{name: "empty", part: 0, whole: 500 * gib, want: 0},
		{name: "full", part: 500 * gib, whole: 500 * gib, want: 100},
		{name: "zero total", part: 10, whole: 0, want: 0},
		{name: "used exceeds total", part: 600, whole: 500, want: 100},
		{name: "one third", part: 1, whole: 3, want: 33.33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Percent(tt.part, tt.whole)
			if math.IsNaN(got) || math.IsInf(got, 0) {
				t.Fatalf("Percent(%d, %d) = %v, want finite", tt.part, tt.whole, got)
			}
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("Percent(%d, %d) = %v, want %v", tt.part, tt.whole, got, tt.want)
			}
		})
	}
}

// BenchmarkPercent benchmarks the percentage helper
func BenchmarkPercent(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Percent(uint64(i), 1<<40)
	}
}
