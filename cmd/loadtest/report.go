package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/gateway-fm/loadtest/internal/storage"
	"github.com/gateway-fm/loadtest/pkg/types"
)

func printReport(out io.Writer, r *types.Report, asJSON bool) error {
	if asJSON {
		return writeJSON(out, r)
	}

	fmt.Fprintf(out, "Run %s (%s, target %s)\n", r.RunID, r.Scenario, r.Target)
	fmt.Fprintf(out, "Started %s, took %s, %d accounts, %d workers\n\n",
		r.StartedAt.UTC().Format(time.RFC3339), r.Duration.Round(time.Millisecond), r.Accounts, r.Workers)

	c := r.Counts
	counts := tablewriter.NewWriter(out)
	counts.SetHeader([]string{"Submitted", "Accepted", "Committed", "Verified", "Succeeded", "Failed", "Timed out", "Pending"})
	counts.Append([]string{
		u64(c.Submitted), u64(c.Accepted), u64(c.Committed), u64(c.Verified),
		u64(c.Succeeded), u64(c.Failed), u64(c.TimedOut), u64(c.Pending),
	})
	counts.Render()

	fmt.Fprintf(out, "\nRates: %.1f submitted/s, %.1f accepted/s, %.1f committed/s\n\n",
		r.SubmissionRate, r.AcceptanceRate, r.CommitmentRate)

	lat := tablewriter.NewWriter(out)
	lat.SetHeader([]string{"Latency", "Count", "Min", "P50", "P90", "P95", "P99", "Max", "Avg"})
	rows := 0
	for _, l := range []struct {
		name  string
		stats *types.LatencyStats
	}{
		{"accept", r.AcceptLatency},
		{"commit", r.CommitLatency},
		{"verify", r.VerifyLatency},
	} {
		if l.stats == nil || l.stats.Count == 0 {
			continue
		}
		s := l.stats
		lat.Append([]string{l.name, strconv.Itoa(s.Count), ms(s.Min), ms(s.P50), ms(s.P90), ms(s.P95), ms(s.P99), ms(s.Max), ms(s.Avg)})
		rows++
	}
	if rows > 0 {
		lat.Render()
	}

	if len(r.FailureReasons) > 0 {
		reasons := make([]string, 0, len(r.FailureReasons))
		for k := range r.FailureReasons {
			reasons = append(reasons, k)
		}
		sort.Strings(reasons)
		fr := tablewriter.NewWriter(out)
		fr.SetHeader([]string{"Failure reason", "Count"})
		for _, k := range reasons {
			fr.Append([]string{k, u64(r.FailureReasons[k])})
		}
		fmt.Fprintln(out)
		fr.Render()
	}
	return nil
}

func printHistory(out io.Writer, page *storage.PaginatedRuns) {
	if len(page.Runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return
	}
	t := tablewriter.NewWriter(out)
	t.SetHeader([]string{"ID", "Scenario", "Status", "Started", "Duration", "Submitted", "Succeeded", "Failed", "Timed out"})
	for _, r := range page.Runs {
		t.Append([]string{
			r.RunID, string(r.Scenario), string(r.Status),
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			r.Duration.Round(time.Second).String(),
			u64(r.Submitted), u64(r.Succeeded), u64(r.Failed), u64(r.TimedOut),
		})
	}
	t.Render()
	fmt.Fprintf(out, "%d-%d of %d\n", page.Offset+1, page.Offset+len(page.Runs), page.Total)
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "ms"
}
