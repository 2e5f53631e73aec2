package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"flight-deal-alerts/internal/domain"
)

// Cycle runs exactly one monitoring cycle and prints its report.
func (a *App) Cycle(ctx context.Context, opts CycleOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	orch, err := a.newOrchestrator(store)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	report, err := orch.RunCycle(ctx)
	if err != nil {
		return err
	}
	return writeReport(a.Out, report, opts.JSON)
}

type reportView struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	Matched    int       `json:"matched"`
	Notified   int       `json:"notified"`
	Suppressed int       `json:"suppressed"`
	Failed     int       `json:"failed"`
	Invalid    int       `json:"invalid"`
}

func writeReport(w io.Writer, report domain.CycleReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reportView{
			StartedAt:  report.StartedAt,
			FinishedAt: report.FinishedAt,
			Checked:    report.Checked,
			Matched:    report.Matched,
			Notified:   report.Notified,
			Suppressed: report.Suppressed,
			Failed:     report.Failed,
			Invalid:    report.Invalid,
		})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Started\t%s\n", report.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration\t%s\n", report.Duration().Round(time.Millisecond))
	fmt.Fprintf(tw, "Checked\t%d\n", report.Checked)
	fmt.Fprintf(tw, "Matched\t%d\n", report.Matched)
	fmt.Fprintf(tw, "Notified\t%d\n", report.Notified)
	fmt.Fprintf(tw, "Suppressed\t%d\n", report.Suppressed)
	fmt.Fprintf(tw, "Failed\t%d\n", report.Failed)
	fmt.Fprintf(tw, "Invalid\t%d\n", report.Invalid)
	return tw.Flush()
}
