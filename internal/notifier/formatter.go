package notifier

import (
	"fmt"
	"strings"

	"KDJScreener/internal/model"
)

// FormatSelection renders the ranked symbols of one run as plain text.
func FormatSelection(selections map[model.Timeframe][]model.SelectionRecord, summary model.RunSummary) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("KDJ screener | %s | run %s\n", summary.FinishedAt.Format("2006-01-02 15:04"), shortID(summary.RunID)))

	for _, tf := range model.Timeframes {
		recs, ok := selections[tf]
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("\n%s: lowest J (%d)\n", tf, len(recs)))
		if len(recs) == 0 {
			b.WriteString("  (none)\n")
			continue
		}
		for i, r := range recs {
			name := r.Name
			if name == "" {
				name = "-"
			}
			b.WriteString(fmt.Sprintf("  %2d. %s %-10s J=%8.3f  %s\n", i+1, r.Symbol, name, r.J, r.Date.Format(model.DateLayout)))
		}
	}

	b.WriteString("\n")
	b.WriteString(FormatSummary(summary))
	return b.String()
}

// FormatSummary renders the run counters and degradation notes.
func FormatSummary(s model.RunSummary) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("ok %d | skipped %d | failed %d | store errors %d\n",
		len(s.Succeeded), len(s.Skipped), len(s.Failed), s.StoreErrors))

	if len(s.Failed) > 0 {
		kinds := map[string]int{}
		for _, f := range s.Failed {
			kinds[f.Kind]++
		}
		parts := make([]string, 0, len(kinds))
		for _, k := range []string{"network", "rate_limited", "not_found", "malformed", "insufficient_history", "io_failure", "corruption", "unknown"} {
			if n := kinds[k]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", k, n))
			}
		}
		b.WriteString("failures: " + strings.Join(parts, ", ") + "\n")
	}

	active := 0
	for _, p := range s.Proxies {
		if !p.Direct() && p.Active {
			active++
		}
	}
	if n := len(s.Proxies) - 1; n > 0 {
		b.WriteString(fmt.Sprintf("proxies: %d/%d active\n", active, n))
	}
	for _, r := range s.DegradedReasons {
		b.WriteString("degraded: " + r + "\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
