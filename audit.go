package cradle

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProviderAuditStats is the per-provider aggregate an audit store computes
// from its recorded entries.
type ProviderAuditStats struct {
	Provider     string
	TotalCalls   int
	Successes    int
	AvgLatencyMS float64
	TotalCostUSD float64
	// TopErrors maps error text to occurrence count, at most three entries.
	TopErrors map[string]int
}

// SuccessRate returns the success percentage.
func (s ProviderAuditStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.TotalCalls) * 100
}

// FormatAuditReport renders the provider performance report shown by the
// audit surface. Providers are ordered best-first: success rate descending,
// then latency ascending.
func FormatAuditReport(stats []ProviderAuditStats, generatedAt time.Time) string {
	lines := []string{
		"📈 LLM Provider Performance Audit Report",
		"Generated at: " + generatedAt.Format("2006-01-02 15:04:05"),
		"------------------------------------------",
	}
	if len(stats) == 0 {
		lines = append(lines, "No audit data found yet.")
		return strings.Join(lines, "\n")
	}

	sorted := make([]ProviderAuditStats, len(stats))
	copy(sorted, stats)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].SuccessRate(), sorted[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].AvgLatencyMS < sorted[j].AvgLatencyMS
	})

	for _, s := range sorted {
		lines = append(lines,
			"",
			"["+strings.ToUpper(s.Provider)+"]",
			fmt.Sprintf("  - Success Rate: %.2f%%", s.SuccessRate()),
			fmt.Sprintf("  - Avg Latency: %.2fms", s.AvgLatencyMS),
			fmt.Sprintf("  - Total Calls: %d", s.TotalCalls),
			fmt.Sprintf("  - Total Cost:  $%.4f", s.TotalCostUSD),
		)
		if len(s.TopErrors) > 0 {
			lines = append(lines, "  - Top Errors:  "+formatCounts(s.TopErrors))
		}
	}

	lines = append(lines, "", "💡 Optimization Advice:",
		fmt.Sprintf("  - '%s' is performing best. Consider moving it to priority 1.", sorted[0].Provider))
	return strings.Join(lines, "\n")
}
