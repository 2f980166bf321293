package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLimiterNewMinimum(t *testing.T) {
	for _, r := range []float64{0, -5} {
		if got := New(r).Rate(); got != 1 {
			t.Errorf("New(%v).Rate() = %v, want 1", r, got)
		}
	}
	if got := New(250).Rate(); got != 250 {
		t.Errorf("Rate() = %v, want 250", got)
	}
}

func TestLimiterWaitImmediate(t *testing.T) {
	l := New(10000)

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("expected near-instant first wait, got %v", elapsed)
	}
	if l.Issued() != 1 {
		t.Errorf("Issued() = %d, want 1", l.Issued())
	}
}

func TestLimiterWaitCancellation(t *testing.T) {
	l := New(1)
	_ = l.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Error("expected error from cancelled context")
	}
	if l.Issued() != 1 {
		t.Errorf("cancelled wait counted as issued: %d", l.Issued())
	}
}

func TestLimiterCancelledWaitReturnsPermit(t *testing.T) {
	l := New(100) // 10ms interval
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	for range 10 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_ = l.Wait(ctx)
		cancel()
	}

	// Leaked slots would push 9 permits to ~200ms.
	start := time.Now()
	for range 9 {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("9 permits took %v; cancelled waits leaked slots", elapsed)
	}
}

func TestLimiterNoCatchUpBurst(t *testing.T) {
	l := New(100)
	_ = l.Wait(context.Background())

	// Idle for many intervals, then ask for several permits.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	for range 5 {
		_ = l.Wait(context.Background())
	}
	// First permit is immediate, the remaining four are spaced by 10ms.
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("5 permits after idle took %v; limiter burst to catch up", elapsed)
	}
}

func TestLimiterConcurrentRate(t *testing.T) {
	const rate = 200.0
	l := New(rate)

	var wg sync.WaitGroup
	start := time.Now()
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = l.Wait(context.Background())
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// 80 permits at 200/s need at least 79 intervals of 5ms.
	if elapsed < 350*time.Millisecond {
		t.Errorf("80 permits took %v, faster than %v/s", elapsed, rate)
	}
	if l.Issued() != 80 {
		t.Errorf("Issued() = %d, want 80", l.Issued())
	}
}
