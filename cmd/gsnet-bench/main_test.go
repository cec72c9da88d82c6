package main

import (
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, 1},
		{0.5, 5},
		{0.95, 10},
		{0.99, 10},
		{1, 10},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %v, want 0", got)
	}
}

func TestPingTimeout(t *testing.T) {
	if got := pingTimeout(100); got != 2*time.Second {
		t.Errorf("pingTimeout(100) = %v, want 2s", got)
	}
	if got := pingTimeout(1); got != 10*time.Second {
		t.Errorf("pingTimeout(1) = %v, want 10s", got)
	}
}
