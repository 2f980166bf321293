package metrics

import (
	"math"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestStreamingLatencyStats_Basic(t *testing.T) {
	s := NewStreamingLatencyStats()

	for i := range 100 {
		s.Add(float64(i))
	}

	stats := s.GetStats()
	if stats == nil {
		t.Fatal("expected non-nil stats")
	}
	if stats.Count != 100 {
		t.Errorf("expected count 100, got %d", stats.Count)
	}
	if stats.Min != 0 || stats.Max != 99 {
		t.Errorf("expected min 0 max 99, got %f %f", stats.Min, stats.Max)
	}
	if math.Abs(stats.Avg-49.5) > 0.1 {
		t.Errorf("expected avg ~49.5, got %f", stats.Avg)
	}
	if math.Abs(stats.P50-49.5) > 2 {
		t.Errorf("expected p50 ~49.5, got %f", stats.P50)
	}
	if stats.P99 < stats.P90 || stats.P90 < stats.P50 {
		t.Errorf("percentiles not monotonic: %+v", stats)
	}
}

func TestStreamingLatencyStats_Empty(t *testing.T) {
	if stats := NewStreamingLatencyStats().GetStats(); stats != nil {
		t.Error("expected nil stats for empty collector")
	}
}

func TestStreamingLatencyStats_AddDuration(t *testing.T) {
	s := NewStreamingLatencyStats(AcceptanceBuckets...)
	s.AddDuration(1500 * time.Microsecond)

	stats := s.GetStats()
	if stats.Min != 1.5 {
		t.Errorf("expected 1.5ms, got %f", stats.Min)
	}
	if stats.Buckets[0].Count != 1 {
		t.Errorf("expected sample in first bucket, got %+v", stats.Buckets)
	}
}

func TestStreamingLatencyStats_Buckets(t *testing.T) {
	s := NewStreamingLatencyStats(250, 500, 1000, 2000)

	for range 10 {
		s.Add(100)
	}
	for range 5 {
		s.Add(300)
	}
	for range 3 {
		s.Add(750)
	}
	s.Add(5000)

	stats := s.GetStats()
	if len(stats.Buckets) != 5 {
		t.Fatalf("expected 5 buckets, got %d", len(stats.Buckets))
	}

	wantCounts := []int{10, 5, 3, 0, 1}
	for i, want := range wantCounts {
		if stats.Buckets[i].Count != want {
			t.Errorf("bucket %d count = %d, want %d", i, stats.Buckets[i].Count, want)
		}
	}
}

func TestBucketLabels(t *testing.T) {
	got := bucketLabels([]float64{250, 500, 1000, 2000})
	want := []string{"0-250ms", "250-500ms", "500-1s", "1-2s", "2s+"}
	if !slices.Equal(got, want) {
		t.Errorf("bucketLabels() = %v, want %v", got, want)
	}
}

func TestStreamingLatencyStats_Concurrent(t *testing.T) {
	s := NewStreamingLatencyStats()

	var wg sync.WaitGroup
	numGoroutines := 10
	samplesPerGoroutine := 1000

	for i := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range samplesPerGoroutine {
				s.Add(float64(i*100 + j%100))
			}
		}()
	}
	wg.Wait()

	if got := s.GetStats().Count; got != numGoroutines*samplesPerGoroutine {
		t.Errorf("expected count %d, got %d", numGoroutines*samplesPerGoroutine, got)
	}
}

func TestStreamingLatencyStats_Reset(t *testing.T) {
	s := NewStreamingLatencyStats()
	for i := range 100 {
		s.Add(float64(i))
	}

	s.Reset()

	if s.GetStats() != nil {
		t.Error("expected nil stats after reset")
	}
	if s.Count() != 0 {
		t.Errorf("expected count 0 after reset, got %d", s.Count())
	}
}

func BenchmarkStreamingLatencyStats_Add(b *testing.B) {
	s := NewStreamingLatencyStats()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s.Add(float64(i % 1000))
	}
}
