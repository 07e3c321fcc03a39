package runner

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arctek/conveyor/ticket"
)

// logProgress emits one structured progress line per cycle.
func (r *Runner) logProgress(all []ticket.Ticket) {
	var counts struct {
		planned, building, done, failed, escalated, merged, manualRebase int
	}
	for _, t := range all {
		if t.PlanStatus == ticket.PlanApproved {
			counts.planned++
		}
		switch t.BuildStatus {
		case ticket.BuildRunning:
			counts.building++
		case ticket.BuildDone:
			counts.done++
		case ticket.BuildFailed:
			counts.failed++
		case ticket.BuildEscalated:
			counts.escalated++
		}
		if t.PRStatus == ticket.PRMerged {
			counts.merged++
		}
		if t.NeedsManualRebase {
			counts.manualRebase++
		}
	}
	r.logger.Info("board status",
		"approved", counts.planned,
		"building", counts.building,
		"built", counts.done,
		"failed", counts.failed,
		"escalated", counts.escalated,
		"merged", counts.merged,
		"manual_rebase", counts.manualRebase)
}

// WriteFinalReport prints the end-of-run summary: counters plus every
// ticket still waiting on a human.
func (r *Runner) WriteFinalReport(w io.Writer) {
	m := r.GetMetrics()
	fmt.Fprintf(w, "Run complete in %s\n", m.TotalRuntime.Round(time.Second))
	fmt.Fprintf(w, "  cycles:          %d\n", m.CyclesRun)
	fmt.Fprintf(w, "  builds started:  %d\n", m.BuildsStarted)
	fmt.Fprintf(w, "  builds done:     %d\n", m.BuildsDone)
	fmt.Fprintf(w, "  builds failed:   %d\n", m.BuildsFailed)
	fmt.Fprintf(w, "  PRs opened:      %d\n", m.PRsOpened)
	fmt.Fprintf(w, "  PRs merged:      %d\n", m.PRsMerged)
	fmt.Fprintf(w, "  rebases applied: %d\n", m.RebasesApplied)
	fmt.Fprintf(w, "  escalated:       %d\n", m.PRsEscalated)

	var actionable []ticket.Ticket
	for _, t := range r.store.All() {
		if t.Actionable() {
			actionable = append(actionable, t)
		}
	}
	if len(actionable) == 0 {
		return
	}
	fmt.Fprintf(w, "\nNeeds human attention:\n")
	for _, t := range actionable {
		reason := "plan awaiting approval"
		switch {
		case t.BuildStatus == ticket.BuildEscalated:
			reason = fmt.Sprintf("escalated after %d retries", t.RetryCount)
		case t.NeedsManualRebase:
			reason = "manual rebase required"
		}
		fmt.Fprintf(w, "  %-12s %s (%s)\n", t.ID, t.Summary, reason)
	}
}

// LogActionable logs every ticket waiting on a human, used by status checks
// outside the continuous loop.
func LogActionable(logger *slog.Logger, all []ticket.Ticket) {
	for _, t := range all {
		if t.Actionable() {
			logger.Info("actionable ticket",
				"ticket", t.ID,
				"build", t.BuildStatus,
				"pr", t.PRStatus,
				"manual_rebase", t.NeedsManualRebase,
				"retries", t.RetryCount)
		}
	}
}
