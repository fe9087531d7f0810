package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

// Sprint color functions for building styled strings.
var (
	Bold       = color.New(color.Bold).SprintFunc()
	Dim        = color.New(color.Faint).SprintFunc()
	Cyan       = color.New(color.FgCyan).SprintFunc()
	Green      = color.New(color.FgGreen).SprintFunc()
	Red        = color.New(color.FgRed).SprintFunc()
	Yellow     = color.New(color.FgYellow).SprintFunc()
	BoldRed    = color.New(color.Bold, color.FgRed).SprintFunc()
	BoldGreen  = color.New(color.Bold, color.FgGreen).SprintFunc()
	BoldYellow = color.New(color.Bold, color.FgYellow).SprintFunc()
)

const timeLayout = "2006-01-02 15:04"

// StatusLabel returns a colored job status.
func StatusLabel(status types.JobStatus) string {
	switch status {
	case types.StatusCompleted:
		return BoldGreen(string(status))
	case types.StatusRunning:
		return Cyan(string(status))
	case types.StatusFailed:
		return BoldRed(string(status))
	case types.StatusCancelled:
		return Yellow(string(status))
	default:
		return Dim(string(status))
	}
}

func isCritical(op *types.Operation) bool {
	return op.HasConstraint(types.ConstraintCriticalPath)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(timeLayout)
}

// printOutcome renders the finished run. Critical-path operations are marked
// with * and drawn in bold red.
func printOutcome(w io.Writer, res *outcome) {
	resp, v := res.Response, res.Version

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s  %s\n", Bold("Run"), resp.RunID, StatusLabel(resp.Status))
	fmt.Fprintf(w, "%s %s (#%d, schedule %s)\n", Bold("Version"), v.ID, v.VersionNumber, v.ScheduleID)

	if m := resp.Result.Metrics; m != nil {
		fmt.Fprintf(w, "%s makespan %.2fh  utilization %.1f%%  setup %.2fh  changeovers %d  violations %s  improvement %.1f%%\n",
			Bold("Metrics"),
			m.Makespan,
			m.ResourceUtilization,
			m.TotalSetupTime,
			m.TotalChangeovers,
			violations(m.ConstraintViolations),
			m.ImprovementPercentage)
	}

	changed := make(map[types.OperationID]bool, len(resp.Result.ChangedEvents))
	for _, id := range resp.Result.ChangedEvents {
		changed[id] = true
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-3s%-12s %-20s %-14s %-17s %-17s\n", "", "ID", "NAME", "RESOURCE", "START", "END")
	for i := range v.Data.Operations {
		op := &v.Data.Operations[i]
		mark := " "
		if changed[op.ID] {
			mark = "~"
		}
		if isCritical(op) {
			mark = "*"
		}
		line := fmt.Sprintf("  %-3s%-12s %-20s %-14s %-17s %-17s",
			mark, op.ID, truncate(op.Name, 20), op.ResourceID, formatTime(op.StartTime), formatTime(op.EndTime))
		if isCritical(op) {
			line = BoldRed(line)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, Dim("  * critical path   ~ changed"))

	for _, warning := range resp.Result.Warnings {
		fmt.Fprintf(w, "%s %s\n", BoldYellow("warning:"), warning)
	}
}

func violations(n int) string {
	if n > 0 {
		return Red(fmt.Sprint(n))
	}
	return Green("0")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// printAlgorithms renders the registry listing.
func printAlgorithms(w io.Writer, algs []registry.Descriptor) {
	fmt.Fprintf(w, "%-28s %-28s %-14s %s\n", "ID", "NAME", "CATEGORY", "STATUS")
	for _, d := range algs {
		status := Green("implemented")
		if !d.Implemented {
			status = Yellow("delegates to " + d.DelegatesTo)
		}
		fmt.Fprintf(w, "%-28s %-28s %-14s %s\n", d.ID, d.Name, d.Category, status)
		if len(d.Aliases) > 0 {
			fmt.Fprintf(w, "  %s\n", Dim("aliases: "+strings.Join(d.Aliases, ", ")))
		}
	}
}

func eventLabel(t journal.EventType) string {
	s := fmt.Sprintf("%-8s", t)
	switch t {
	case journal.EventComplete, journal.EventApply:
		return Green(s)
	case journal.EventFail:
		return Red(s)
	case journal.EventCancel, journal.EventRollback:
		return Yellow(s)
	default:
		return Cyan(s)
	}
}

// printJournalEvent renders one journal line.
func printJournalEvent(w io.Writer, e journal.Event) {
	fields := []string{}
	if e.RunID != "" {
		fields = append(fields, "run="+e.RunID)
	}
	if e.ScheduleID != "" {
		fields = append(fields, "schedule="+e.ScheduleID)
	}
	if e.AlgorithmID != "" {
		fields = append(fields, "algorithm="+e.AlgorithmID)
	}
	if e.VersionID != "" {
		fields = append(fields, "version="+e.VersionID)
	}
	if e.Code != "" {
		fields = append(fields, "code="+e.Code)
	}
	line := fmt.Sprintf("%6d  %s  %s  %s", e.Seq, Dim(e.Time().UTC().Format(time.RFC3339)), eventLabel(e.Type), strings.Join(fields, " "))
	if e.Message != "" {
		line += "  " + Dim(e.Message)
	}
	fmt.Fprintln(w, line)
}
