package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSummary(w io.Writer, s models.TaskSummary) {
	fmt.Fprintf(w, "%s %s: %d jobs\n", s.Campaign, s.Stage, s.Total())
	for _, st := range models.Statuses {
		if n := s.Counts[st]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", st, n)
		}
	}
}

func writePassReport(w io.Writer, r *controller.PassReport) {
	fmt.Fprintf(w, "pass %s %s: submitted=%d rejected=%d transitions=%d resubmitted=%d collected=%d stale=%d\n",
		r.Campaign, r.Stage, r.Submitted, r.Rejected, r.Transitions, r.Resubmitted, r.Collected, r.Stale)
	if r.NextStage != "" {
		fmt.Fprintf(w, "advanced to %s: %d jobs generated\n", r.NextStage, r.Generated)
	}
	if r.Completed {
		fmt.Fprintln(w, "campaign completed")
	}
	if r.Summary.Counts != nil {
		writeSummary(w, r.Summary)
	}
}

func writeActionReport(w io.Writer, verb string, r *controller.ActionReport) {
	fmt.Fprintf(w, "%s %d of %d matched jobs", verb, r.Applied, r.Matched)
	if r.Cancelled > 0 {
		fmt.Fprintf(w, " (%d backend references cancelled)", r.Cancelled)
	}
	fmt.Fprintln(w)
	ids := make([]string, 0, len(r.Skipped))
	for id := range r.Skipped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  skipped %s: %s\n", id, r.Skipped[id])
	}
}

// parseStage accepts an empty flag as "active stage".
func parseStage(s string) (models.Stage, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return models.ParseStage(s)
}
