package timemath_test

import (
	"math"
	"testing"
	"time"

	"example.com/multiserversync/base/timemath"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		seconds float64
		want    time.Duration
	}{
		{1.5, 1500 * time.Millisecond},
		{1, time.Second},
		{0, 0},
		{-1, -time.Second},
		{-1.5, -1500 * time.Millisecond},
	}

	for _, tt := range tests {
		got := timemath.Duration(tt.seconds)
		if got != tt.want {
			t.Errorf("timemath.Duration(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     float64
	}{
		{1500 * time.Millisecond, 1.5},
		{time.Second, 1},
		{0, 0},
		{-time.Second, -1},
		{-1500 * time.Millisecond, -1.5},
	}

	for _, tt := range tests {
		got := timemath.Seconds(tt.duration)
		if got != tt.want {
			t.Errorf("timemath.Seconds(%v) = %v, want %v", tt.duration, got, tt.want)
		}
	}
}

func TestAbs(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     time.Duration
	}{
		{time.Second, time.Second},
		{-time.Second, time.Second},
		{0, 0},
	}

	for _, tt := range tests {
		got := timemath.Abs(tt.duration)
		if got != tt.want {
			t.Errorf("timemath.Abs(%v) = %v, want %v", tt.duration, got, tt.want)
		}
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("timemath.Abs(%v), did not panic", math.MinInt64)
		}
	}()
	timemath.Abs(math.MinInt64)
}

func TestSign(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     int
	}{
		{time.Second, 1},
		{-time.Second, -1},
		{0, 0},
	}

	for _, tt := range tests {
		got := timemath.Sign(tt.duration)
		if got != tt.want {
			t.Errorf("timemath.Sign(%v) = %v, want %v", tt.duration, got, tt.want)
		}
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		values []time.Duration
		want   time.Duration
	}{
		{[]time.Duration{5}, 5},
		{[]time.Duration{3, 1, 2}, 2},
		{[]time.Duration{4, 1, 3, 2}, 2},
		{[]time.Duration{-10, 10}, 0},
		{[]time.Duration{8, 8, 100, 8, 9}, 8},
	}

	for _, tt := range tests {
		in := append([]time.Duration(nil), tt.values...)
		got := timemath.Median(in)
		if got != tt.want {
			t.Errorf("timemath.Median(%v) = %v, want %v", tt.values, got, tt.want)
		}
		for i := range in {
			if in[i] != tt.values[i] {
				t.Errorf("timemath.Median(%v) modified its input", tt.values)
				break
			}
		}
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("timemath.Median(nil), did not panic")
		}
	}()
	timemath.Median(nil)
}

func TestClamp(t *testing.T) {
	tests := []struct {
		d, lo, hi time.Duration
		want      time.Duration
	}{
		{5, 0, 10, 5},
		{-5, 0, 10, 0},
		{15, 0, 10, 10},
		{0, 0, 0, 0},
	}

	for _, tt := range tests {
		got := timemath.Clamp(tt.d, tt.lo, tt.hi)
		if got != tt.want {
			t.Errorf("timemath.Clamp(%v, %v, %v) = %v, want %v", tt.d, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestScale(t *testing.T) {
	tests := []struct {
		d    time.Duration
		f    float64
		want time.Duration
	}{
		{time.Second, 0.5, 500 * time.Millisecond},
		{time.Second, 0.25, 250 * time.Millisecond},
		{-time.Second, 2, -2 * time.Second},
		{math.MaxInt64, 2, math.MaxInt64},
		{math.MaxInt64, -2, math.MinInt64 + 1},
	}

	for _, tt := range tests {
		got := timemath.Scale(tt.d, tt.f)
		if got != tt.want {
			t.Errorf("timemath.Scale(%v, %v) = %v, want %v", tt.d, tt.f, got, tt.want)
		}
	}
}
