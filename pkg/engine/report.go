package engine

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// buildReport assembles the execution report from the final unit states.
func buildReport(runID string, plan *ExecutionPlan, registry *Registry, startedAt, finishedAt time.Time) *ExecutionReport {
	report := &ExecutionReport{
		RunID:      runID,
		PlanID:     plan.ID,
		Scope:      plan.Scope,
		Total:      plan.Len(),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		Layers:     len(plan.Layers),
		Units:      make([]UnitResult, 0, plan.Len()),
	}

	for level, layer := range plan.Layers {
		for _, id := range layer {
			unit, ok := registry.Get(id)
			if !ok {
				continue
			}
			result := unitResult(unit, level)
			report.Units = append(report.Units, result)

			switch unit.Status {
			case UnitStatusCompleted:
				report.Completed++
				timing := &UnitTiming{ID: unit.ID, Duration: result.Duration}
				if report.Fastest == nil || timing.Duration < report.Fastest.Duration {
					report.Fastest = timing
				}
				if report.Slowest == nil || timing.Duration > report.Slowest.Duration {
					report.Slowest = timing
				}
			case UnitStatusFailed:
				report.Failed++
				report.FailedUnits = append(report.FailedUnits, FailedUnit{
					ID:         unit.ID,
					Error:      unit.Error,
					RetryCount: unit.RetryCount,
					TimedOut:   result.TimedOut,
				})
			case UnitStatusSkipped:
				report.Skipped++
			}
		}
	}

	if report.Total > 0 {
		report.SuccessRate = float64(report.Completed) / float64(report.Total) * 100
	}
	return report
}

func unitResult(unit *Unit, layer int) UnitResult {
	result := UnitResult{
		ID:         unit.ID,
		Name:       unit.Name,
		Layer:      layer,
		Priority:   unit.Priority,
		Status:     unit.Status,
		RetryCount: unit.RetryCount,
		StartedAt:  unit.StartedAt,
		FinishedAt: unit.FinishedAt,
		Duration:   unit.Duration(),
		Output:     unit.Output,
		Error:      unit.Error,
		ExitCode:   unit.ExitCode,
		TimedOut:   unit.TimedOut,
	}
	if unit.Status == UnitStatusCompleted || unit.Status == UnitStatusFailed {
		result.Attempts = unit.RetryCount + 1
	}
	return result
}

// WriteText renders a human-readable summary of the report to w.
func (r *ExecutionReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	var errs []error
	write := func(format string, args ...interface{}) {
		if _, err := fmt.Fprintf(tw, format, args...); err != nil {
			errs = append(errs, err)
		}
	}

	write("Run:\t%s\n", r.RunID)
	write("Outcome:\t%s\n", r.Outcome())
	write("Units:\t%d total, %d completed, %d failed, %d skipped\n",
		r.Total, r.Completed, r.Failed, r.Skipped)
	write("Success rate:\t%.1f%%\n", r.SuccessRate)
	write("Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	if r.Fastest != nil {
		write("Fastest:\t%s (%s)\n", r.Fastest.ID, r.Fastest.Duration.Round(time.Millisecond))
	}
	if r.Slowest != nil {
		write("Slowest:\t%s (%s)\n", r.Slowest.ID, r.Slowest.Duration.Round(time.Millisecond))
	}
	if r.AbortedBy != "" {
		write("Aborted by:\t%s\n", r.AbortedBy)
	}

	if len(r.Units) > 0 {
		write("\nLAYER\tUNIT\tSTATUS\tATTEMPTS\tDURATION\n")
		for _, u := range r.Units {
			write("%d\t%s\t%s\t%d\t%s\n", u.Layer, u.ID, u.Status, u.Attempts, u.Duration.Round(time.Millisecond))
		}
	}

	if len(r.FailedUnits) > 0 {
		write("\nFailed units:\n")
		for _, f := range r.FailedUnits {
			write("  %s\t(retries: %d)\t%s\n", f.ID, f.RetryCount, f.Error)
		}
	}

	if err := tw.Flush(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
