// Package metrics provides latency statistics, atomic counters and the
// Prometheus exporter used by the journal.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gateway-fm/loadtest/pkg/types"
)

// StreamingLatencyStats provides efficient streaming percentile calculation.
// Uses reservoir sampling for percentile estimation without storing all samples.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	// Running statistics (O(1) memory)
	count int64
	sum   float64
	min   float64
	max   float64

	// Reservoir for percentile estimation
	// Uses Algorithm R (Vitter) - O(reservoirSize) memory
	reservoir     []float64
	reservoirSize int
	seen          int64

	// Histogram buckets; len(buckets) == len(bucketBounds)+1
	buckets      []int64
	bucketBounds []float64
	bucketLabels []string

	// Per-instance random state for reservoir sampling (xorshift64*)
	// Avoids data races from global state
	randState uint64
}

// DefaultReservoirSize is the number of samples to keep for percentile estimation.
// Larger = more accurate, but more memory. 10000 gives <1% error at p99.
const DefaultReservoirSize = 10000

// Bucket bounds in milliseconds.
var (
	// AcceptanceBuckets fit submission round trips.
	AcceptanceBuckets = []float64{10, 50, 100, 250, 1000}
	// InclusionBuckets fit block inclusion and finality.
	InclusionBuckets = []float64{250, 500, 1000, 2000, 5000, 15000}
)

// NewStreamingLatencyStats creates a streaming latency calculator with the
// given ascending histogram bounds in milliseconds.
func NewStreamingLatencyStats(bounds ...float64) *StreamingLatencyStats {
	if len(bounds) == 0 {
		bounds = InclusionBuckets
	}
	return &StreamingLatencyStats{
		min:           math.MaxFloat64,
		max:           0,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(bounds)+1),
		bucketBounds:  bounds,
		bucketLabels:  bucketLabels(bounds),
		randState:     1,
	}
}

// AddDuration records a latency sample.
func (s *StreamingLatencyStats) AddDuration(d time.Duration) {
	s.Add(float64(d) / float64(time.Millisecond))
}

// Add records a latency sample in milliseconds.
// This is O(1) amortized and safe for concurrent use.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.seen++

	if latencyMs < s.min {
		s.min = latencyMs
	}
	if latencyMs > s.max {
		s.max = latencyMs
	}

	// Update histogram bucket
	bucket := s.getBucketIndex(latencyMs)
	s.buckets[bucket]++

	// Reservoir sampling (Algorithm R)
	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
	} else {
		// Replace with probability reservoirSize/seen
		j := s.fastRand() % uint64(s.seen)
		if j < uint64(s.reservoirSize) {
			s.reservoir[j] = latencyMs
		}
	}
}

// getBucketIndex returns the bucket index for a latency value.
func (s *StreamingLatencyStats) getBucketIndex(latencyMs float64) int {
	for i, bound := range s.bucketBounds {
		if latencyMs < bound {
			return i
		}
	}
	return len(s.bucketBounds)
}

// fastRand returns a pseudo-random uint64 using xorshift.
// Not cryptographically secure, but fast and good enough for reservoir sampling.
// Uses per-instance state to avoid data races between multiple instances.
func (s *StreamingLatencyStats) fastRand() uint64 {
	// xorshift64*
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// GetStats returns the current latency statistics.
// This is O(reservoirSize * log(reservoirSize)) for percentile calculation.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	// Copy reservoir for sorting (don't modify original)
	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	stats := &types.LatencyStats{
		Count: int(s.count),
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   s.percentile(sorted, 0.50),
		P75:   s.percentile(sorted, 0.75),
		P90:   s.percentile(sorted, 0.90),
		P95:   s.percentile(sorted, 0.95),
		P99:   s.percentile(sorted, 0.99),
	}
	stats.Buckets = make([]types.LatencyBucket, len(s.buckets))
	for i, n := range s.buckets {
		stats.Buckets[i] = types.LatencyBucket{Label: s.bucketLabels[i], Count: int(n)}
	}

	return stats
}

// percentile calculates the p-th percentile from a sorted slice.
func (s *StreamingLatencyStats) percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	// Linear interpolation
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Reset clears all statistics.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	s.seen = 0
	for i := range s.buckets {
		s.buckets[i] = 0
	}
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// bucketLabels renders bounds as "0-250ms", "250-500ms", ..., "2s+".
func bucketLabels(bounds []float64) []string {
	labels := make([]string, len(bounds)+1)
	lower := 0.0
	for i, b := range bounds {
		labels[i] = fmt.Sprintf("%s-%s", formatBound(lower, false), formatBound(b, true))
		lower = b
	}
	labels[len(bounds)] = formatBound(lower, true) + "+"
	return labels
}

func formatBound(ms float64, unit bool) string {
	switch {
	case ms >= 1000 && unit:
		return fmt.Sprintf("%gs", ms/1000)
	case ms >= 1000:
		return fmt.Sprintf("%g", ms/1000)
	case unit:
		return fmt.Sprintf("%gms", ms)
	default:
		return fmt.Sprintf("%g", ms)
	}
}
