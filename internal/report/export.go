package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// WriteTable renders the recorded attempts as a table, the format shown
// at the end of a supervision run
func (r *Recorder) WriteTable(out io.Writer) {
	results := r.Results()
	if len(results) == 0 {
		fmt.Fprintln(out, "No attempts recorded")
		return
	}

	table := tablewriter.NewWriter(out)
	table.Header("Attempt", "PID", "Started", "Runtime", "Outcome", "Decision")

	for _, res := range results {
		started := "-"
		if !res.StartedAt.IsZero() {
			started = res.StartedAt.Format("15:04:05")
		}
		table.Append(
			fmt.Sprintf("%d", res.Attempt),
			fmt.Sprintf("%d", res.PID),
			started,
			fmt.Sprintf("%.1fs", res.Runtime),
			res.Status,
			res.Decision,
		)
	}

	table.Render()

	summary := r.Summarize()
	fmt.Fprintf(out, "\nAttempts: %d (immediate restarts: %d, backoff restarts: %d)\n",
		summary.Started, summary.ImmediateRestart, summary.BackoffRestart)
}

// StatusReport is the JSON document served by the status endpoint
type StatusReport struct {
	State   string   `json:"state"`
	Summary Summary  `json:"summary"`
	History []Result `json:"history"`
}

// WriteJSON writes the full status report for the given supervisor state
func (r *Recorder) WriteJSON(out io.Writer, state string) error {
	doc := StatusReport{
		State:   state,
		Summary: r.Summarize(),
		History: r.Results(),
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
