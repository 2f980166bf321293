package metrics

import "sync/atomic"

// AtomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
// A load/store pair would race with concurrent writers, so this CASes in a loop.
func AtomicSubSaturating(addr *int64, delta int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		newVal := max(current-delta, 0)
		if atomic.CompareAndSwapInt64(addr, current, newVal) {
			return newVal
		}
	}
}

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *int64, val int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		if val <= current {
			return current
		}
		if atomic.CompareAndSwapInt64(addr, current, val) {
			return val
		}
	}
}

// Gauge is an atomic level that never drops below zero and remembers its peak.
type Gauge struct {
	value int64
	peak  int64
}

// Inc increments the gauge and updates the peak.
func (g *Gauge) Inc() int64 {
	v := atomic.AddInt64(&g.value, 1)
	AtomicMax(&g.peak, v)
	return v
}

// Dec decrements the gauge, saturating at 0.
func (g *Gauge) Dec() int64 {
	return AtomicSubSaturating(&g.value, 1)
}

// Load returns the current value.
func (g *Gauge) Load() int64 {
	return atomic.LoadInt64(&g.value)
}

// Peak returns the highest value observed.
func (g *Gauge) Peak() int64 {
	return atomic.LoadInt64(&g.peak)
}

// UCounter is an unsigned atomic counter.
type UCounter struct {
	value uint64
}

// Add adds delta to the counter.
func (c *UCounter) Add(delta uint64) uint64 {
	return atomic.AddUint64(&c.value, delta)
}

// Inc increments by 1.
func (c *UCounter) Inc() uint64 {
	return atomic.AddUint64(&c.value, 1)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}
