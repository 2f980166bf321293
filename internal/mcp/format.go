package mcp

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gateway-fm/loadtest/internal/storage"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v == float64(int64(v)) {
			s = fmt.Sprintf("%d", int64(v))
		} else {
			return fmt.Sprintf("%.1f", v)
		}
	case int64:
		s = fmt.Sprintf("%d", v)
	case uint64:
		s = fmt.Sprintf("%d", v)
	case int:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatPct formats a float as a percentage string.
func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func formatStatus(st *Status) string {
	lines := []string{
		section("Run " + st.RunID),
		kv("Scenario", st.Scenario),
		kv("State", st.State),
		kv("Elapsed", st.Elapsed.Round(time.Millisecond)),
	}
	if st.Err != nil {
		lines = append(lines, kv("Error", st.Err))
	}
	if st.Report != nil {
		lines = append(lines, "", formatReport(st.Report))
		return joinLines(lines...)
	}
	lines = append(lines, "", formatSnapshot(&st.Live))
	return joinLines(lines...)
}

func formatReport(r *types.Report) string {
	lines := []string{
		section("Report"),
		kv("Scenario", r.Scenario),
		kv("Target", r.Target),
		kv("Started", r.StartedAt.UTC().Format(time.RFC3339)),
		kv("Duration", r.Duration.Round(time.Millisecond)),
		kv("Accounts", r.Accounts),
		kv("Workers", r.Workers),
		"",
		formatSnapshot(&r.Snapshot),
	}
	if len(r.FailureReasons) > 0 {
		reasons := make([]string, 0, len(r.FailureReasons))
		for reason := range r.FailureReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		lines = append(lines, "", section("Failure Reasons"))
		for _, reason := range reasons {
			lines = append(lines, kv(reason, formatNumber(r.FailureReasons[reason])))
		}
	}
	if n := len(r.Series); n > 0 {
		lines = append(lines, "", kv("Series points", n))
	}
	return joinLines(lines...)
}

func formatSnapshot(s *types.Snapshot) string {
	c := s.Counts
	lines := []string{
		section("Transactions"),
		kv("Submitted", formatNumber(c.Submitted)),
		kv("Accepted", formatNumber(c.Accepted)),
		kv("Committed", formatNumber(c.Committed)),
		kv("Verified", formatNumber(c.Verified)),
		kv("Succeeded", formatNumber(c.Succeeded)),
		kv("Failed", formatNumber(c.Failed)),
		kv("Timed out", formatNumber(c.TimedOut)),
		kv("Pending", formatNumber(c.Pending)),
	}
	if c.Submitted > 0 {
		lines = append(lines, kv("Success rate", formatPct(float64(c.Succeeded)/float64(c.Submitted)*100)))
	}
	lines = append(lines,
		"",
		section("Rates (tx/s)"),
		kv("Submission", fmt.Sprintf("%.1f", s.SubmissionRate)),
		kv("Acceptance", fmt.Sprintf("%.1f", s.AcceptanceRate)),
		kv("Commitment", fmt.Sprintf("%.1f", s.CommitmentRate)),
	)
	lines = append(lines, formatLatency("Accept Latency", s.AcceptLatency))
	lines = append(lines, formatLatency("Commit Latency", s.CommitLatency))
	lines = append(lines, formatLatency("Verify Latency", s.VerifyLatency))
	return joinLines(lines...)
}

func formatLatency(title string, l *types.LatencyStats) string {
	if l == nil || l.Count == 0 {
		return ""
	}
	return "\n" + joinLines(
		section(title),
		kv("Count", formatNumber(l.Count)),
		kv("P50", formatMs(l.P50)),
		kv("P95", formatMs(l.P95)),
		kv("P99", formatMs(l.P99)),
		kv("Min / Max", formatMs(l.Min)+" / "+formatMs(l.Max)),
	)
}

func formatHistory(page *storage.PaginatedRuns) string {
	if len(page.Runs) == 0 {
		return "No runs recorded."
	}
	lines := []string{
		section(fmt.Sprintf("Runs (%d-%d of %d)", page.Offset+1, page.Offset+len(page.Runs), page.Total)),
		"",
		fmt.Sprintf("%-36s  %-9s  %-10s  %-20s  %9s  %9s  %7s", "ID", "SCENARIO", "STATUS", "STARTED", "SUBMITTED", "SUCCEEDED", "FAILED"),
	}
	for _, r := range page.Runs {
		lines = append(lines, fmt.Sprintf("%-36s  %-9s  %-10s  %-20s  %9s  %9s  %7s",
			r.RunID, r.Scenario, r.Status,
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			formatNumber(r.Submitted), formatNumber(r.Succeeded), formatNumber(r.Failed+r.TimedOut)))
	}
	return joinLines(lines...)
}

func formatRun(run *storage.StoredRun) string {
	lines := []string{
		section("Run " + run.Summary.RunID),
		kv("Status", run.Summary.Status),
	}
	if run.Summary.Error != "" {
		lines = append(lines, kv("Error", run.Summary.Error))
	}
	if run.Report != nil {
		lines = append(lines, "", formatReport(run.Report))
	}
	return joinLines(lines...)
}
