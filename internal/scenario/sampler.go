package scenario

import (
	"log/slog"
	"time"

	"github.com/gateway-fm/loadtest/internal/journal"
	"github.com/gateway-fm/loadtest/internal/monitor"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// sampler records a progress point every interval and logs it.
type sampler struct {
	quit chan struct{}
	out  chan []types.SeriesPoint
}

func startSampler(j *journal.Journal, mon *monitor.Monitor, every time.Duration, logger *slog.Logger) *sampler {
	s := &sampler{
		quit: make(chan struct{}),
		out:  make(chan []types.SeriesPoint, 1),
	}
	go func() {
		var series []types.SeriesPoint
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-s.quit:
				series = append(series, point(j.Snapshot(), time.Now()))
				s.out <- series
				return
			case now := <-ticker.C:
				snap := j.Snapshot()
				pt := point(snap, now)
				series = append(series, pt)
				logger.Info("progress",
					slog.Uint64("submitted", pt.Submitted),
					slog.Uint64("accepted", pt.Accepted),
					slog.Uint64("committed", pt.Committed),
					slog.Uint64("failed", pt.Failed),
					slog.Uint64("timed_out", pt.TimedOut),
					slog.Int("tracking", mon.Pending()),
					slog.Float64("submit_tps", snap.SubmissionRate),
				)
			}
		}
	}()
	return s
}

// stop ends sampling and returns the collected series.
func (s *sampler) stop() []types.SeriesPoint {
	close(s.quit)
	return <-s.out
}

func point(snap types.Snapshot, at time.Time) types.SeriesPoint {
	c := snap.Counts
	return types.SeriesPoint{
		At:        at,
		Submitted: c.Submitted,
		Accepted:  c.Accepted,
		Committed: c.Committed,
		Failed:    c.Failed,
		TimedOut:  c.TimedOut,
		Pending:   c.Pending,
	}
}
