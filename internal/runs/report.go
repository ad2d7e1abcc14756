package runs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// Report is the data behind report.md.
type Report struct {
	RunID       string
	WorkflowID  string
	Instruction string
	Status      string
	Tickets     []*models.Ticket
	Quality     *quality.Result
	Commits     []gitops.CommitInfo
	Errors      []string
	GeneratedAt time.Time
}

// WriteReport renders and writes report.md.
func (r *Run) WriteReport(rep *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rep.GeneratedAt.IsZero() {
		rep.GeneratedAt = time.Now().UTC()
	}
	return os.WriteFile(filepath.Join(r.dir, FileReport), []byte(renderReport(rep)), 0o644)
}

func renderReport(rep *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", rep.RunID)
	fmt.Fprintf(&b, "- Workflow: %s\n", rep.WorkflowID)
	fmt.Fprintf(&b, "- Status: %s\n", rep.Status)
	fmt.Fprintf(&b, "- Generated: %s\n\n", rep.GeneratedAt.Format(time.RFC3339))

	if rep.Instruction != "" {
		b.WriteString("## Instruction\n\n")
		b.WriteString(rep.Instruction)
		b.WriteString("\n\n")
	}

	if len(rep.Tickets) > 0 {
		b.WriteString("## Tickets\n\n")
		b.WriteString("| ID | Title | Status | Branch |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, t := range rep.Tickets {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				t.ID, escapeCell(t.Title), t.Status, t.GitBranch)
		}
		b.WriteString("\n")
	}

	if rep.Quality != nil {
		b.WriteString("## Quality gates\n\n")
		writeGate(&b, "Lint", rep.Quality.Lint)
		writeGate(&b, "Test", rep.Quality.Test)
		fmt.Fprintf(&b, "- Overall: %s\n\n", passFail(rep.Quality.Success))
	}

	if len(rep.Commits) > 0 {
		b.WriteString("## Commits\n\n")
		for _, c := range rep.Commits {
			fmt.Fprintf(&b, "- `%s` %s (%s)\n", shortHash(c.Hash), c.Message, c.Author)
		}
		b.WriteString("\n")
	}

	if len(rep.Errors) > 0 {
		b.WriteString("## Errors\n\n")
		for _, e := range rep.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeGate(b *strings.Builder, name string, run quality.GateRun) {
	switch {
	case !run.Executed && run.SkipReason != "":
		fmt.Fprintf(b, "- %s: skipped (%s)\n", name, run.SkipReason)
	case !run.Executed:
		fmt.Fprintf(b, "- %s: not executed\n", name)
	default:
		fmt.Fprintf(b, "- %s: %s [%dms]\n", name, passFail(run.Passed), run.DurationMs)
	}
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
