// Package ratelimit paces transaction submission at a fixed rate.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter issues permits at a strict minimum interval. A caller that falls
// behind schedule is not allowed to catch up with a burst: the schedule
// restarts from the current time instead.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration

	rate   float64
	issued atomic.Uint64
}

// New creates a limiter issuing ratePerSec permits per second.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       time.Duration(float64(time.Second) / ratePerSec),
		rate:           ratePerSec,
	}
}

// Wait blocks until a permit is available or ctx is done. A cancelled wait
// hands its slot back when no later permit was scheduled after it.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if l.nextPermitTime.Before(now) {
		l.nextPermitTime = now
	}
	permitTime := l.nextPermitTime
	l.nextPermitTime = permitTime.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(permitTime)
	if wait <= 0 {
		l.issued.Add(1)
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		if l.nextPermitTime.Equal(permitTime.Add(l.interval)) {
			l.nextPermitTime = permitTime
		}
		l.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		l.issued.Add(1)
		return nil
	}
}

// Rate returns the configured permits per second.
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Issued returns the number of permits handed out.
func (l *Limiter) Issued() uint64 {
	return l.issued.Load()
}
