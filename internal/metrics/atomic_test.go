package metrics

import (
	"sync"
	"testing"
)

func TestAtomicSubSaturating(t *testing.T) {
	testCases := []struct {
		name     string
		initial  int64
		delta    int64
		expected int64
	}{
		{"normal subtraction", 100, 50, 50},
		{"exact to zero", 100, 100, 0},
		{"saturating at zero", 100, 150, 0},
		{"zero minus value", 0, 50, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			value := tc.initial
			result := AtomicSubSaturating(&value, tc.delta)

			if result != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, result)
			}
			if value != tc.expected {
				t.Errorf("value expected %d, got %d", tc.expected, value)
			}
		})
	}
}

func TestAtomicMax(t *testing.T) {
	var v int64 = 5
	if got := AtomicMax(&v, 3); got != 5 {
		t.Errorf("AtomicMax(3) = %d, want 5", got)
	}
	if got := AtomicMax(&v, 9); got != 9 || v != 9 {
		t.Errorf("AtomicMax(9) = %d (v=%d), want 9", got, v)
	}
}

func TestGauge_Concurrent(t *testing.T) {
	var g Gauge
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				g.Inc()
				g.Dec()
			}
		}()
	}
	wg.Wait()

	if g.Load() != 0 {
		t.Errorf("expected 0 after balanced inc/dec, got %d", g.Load())
	}
	if g.Peak() < 1 || g.Peak() > 50 {
		t.Errorf("peak out of range: %d", g.Peak())
	}
	if g.Dec() != 0 {
		t.Error("Dec should saturate at zero")
	}
}

func TestUCounter_Concurrent(t *testing.T) {
	var c UCounter
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	if got := c.Load(); got != 100000 {
		t.Errorf("expected 100000, got %d", got)
	}
	c.Add(5)
	if got := c.Load(); got != 100005 {
		t.Errorf("expected 100005, got %d", got)
	}
}
