package handler

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/haiminh-dev/aptis-trainer/internal/model"
)

// writeResultsCSV renders a session export as CSV, one row per scored
// result (split writing parts emit one row per sub-part).
func writeResultsCSV(w http.ResponseWriter, export model.SessionExport) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s-results.csv", export.Part))

	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"Question", "Sub-part", "Score", "CEFR Level", "Feedback", "Attempt"}); err != nil {
		slog.Error("writing csv header", "error", err)
		return
	}
	for _, r := range export.Results {
		question := r.Topic
		if question == "" && len(r.Prompts) > 0 {
			question = r.Prompts[0]
		}
		for _, ev := range r.Results {
			row := []string{
				question,
				ev.Label,
				fmt.Sprintf("%g", ev.Score),
				ev.Level,
				feedbackText(ev.Feedback),
				fmt.Sprintf("%d", r.Attempt),
			}
			if err := cw.Write(row); err != nil {
				slog.Error("writing csv row", "error", err)
				return
			}
		}
	}
}

// feedbackText flattens either feedback shape into one cell.
func feedbackText(f model.Feedback) string {
	if f.Summary != "" {
		return f.Summary
	}
	keys := make([]string, 0, len(f.Criteria))
	for k := range f.Criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+f.Criteria[k])
	}
	return strings.Join(parts, " | ")
}
