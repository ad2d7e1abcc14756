package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConflictFile describes one conflicted path and the index stages present.
type ConflictFile struct {
	Path           string `json:"path"`
	HasBase        bool   `json:"hasBase"`
	HasOurs        bool   `json:"hasOurs"`
	HasTheirs      bool   `json:"hasTheirs"`
	AutoResolvable bool   `json:"autoResolvable"`
}

// ConflictReport summarizes a failed merge.
type ConflictReport struct {
	TaskBranch  string         `json:"taskBranch"`
	AgentBranch string         `json:"agentBranch"`
	Files       []ConflictFile `json:"files"`
	Summary     string         `json:"summary"`
}

// MergeResult is the outcome of merging a task branch into the agent branch.
type MergeResult struct {
	Success      bool            `json:"success"`
	AutoResolved bool            `json:"autoResolved"`
	Report       *ConflictReport `json:"conflictReport,omitempty"`
}

// ConflictEscalation wraps a conflict report for delivery to a human authority.
type ConflictEscalation struct {
	Type      string          `json:"type"`
	TicketID  string          `json:"ticketId"`
	Timestamp time.Time       `json:"timestamp"`
	Report    *ConflictReport `json:"report"`
}

// MergeToAgentBranch merges taskBranch into agentBranch. Conflicts where both
// sides agree, or where one side left the base content untouched, are
// resolved automatically; anything else aborts the merge and returns a report.
func (c *Coordinator) MergeToAgentBranch(ctx context.Context, repoPath, taskBranch, agentBranch string) (*MergeResult, error) {
	start := time.Now()
	var opErr error
	defer func() {
		c.logOp("mergeToAgentBranch",
			fmt.Sprintf("branchName=%s into=%s", taskBranch, agentBranch), opErr, time.Since(start))
	}()

	if err := c.Checkout(ctx, repoPath, agentBranch); err != nil {
		opErr = err
		return nil, err
	}

	// Files touched on both sides since the merge base merge without
	// stopping when the contents agree; report those as auto-resolved.
	overlap := c.bothSidesTouched(ctx, repoPath, taskBranch, agentBranch)

	if _, err := c.git(ctx, repoPath, "merge", "--no-ff", taskBranch, "-m",
		fmt.Sprintf("Merge %s into %s", taskBranch, agentBranch)); err == nil {
		return &MergeResult{Success: true, AutoResolved: overlap}, nil
	}

	// Merge stopped on conflicts. Inspect every conflicted path.
	report, err := c.buildConflictReport(ctx, repoPath, taskBranch, agentBranch)
	if err != nil {
		_, _ = c.git(ctx, repoPath, "merge", "--abort")
		opErr = err
		return nil, err
	}

	if c.attemptAutoResolve(ctx, repoPath, report) {
		if _, err := c.git(ctx, repoPath, "commit", "--no-edit"); err != nil {
			_, _ = c.git(ctx, repoPath, "merge", "--abort")
			opErr = err
			return nil, err
		}
		return &MergeResult{Success: true, AutoResolved: true}, nil
	}

	if _, err := c.git(ctx, repoPath, "merge", "--abort"); err != nil {
		opErr = err
		return nil, err
	}
	return &MergeResult{Success: false, Report: report}, nil
}

// bothSidesTouched reports whether any file changed on both branches since
// their merge base.
func (c *Coordinator) bothSidesTouched(ctx context.Context, repoPath, taskBranch, agentBranch string) bool {
	base, err := c.git(ctx, repoPath, "merge-base", agentBranch, taskBranch)
	if err != nil {
		return false
	}
	taskFiles, err := c.git(ctx, repoPath, "diff", "--name-only", base, taskBranch)
	if err != nil {
		return false
	}
	agentFiles, err := c.git(ctx, repoPath, "diff", "--name-only", base, agentBranch)
	if err != nil {
		return false
	}
	onTask := make(map[string]bool)
	for _, f := range strings.Split(taskFiles, "\n") {
		if f != "" {
			onTask[f] = true
		}
	}
	for _, f := range strings.Split(agentFiles, "\n") {
		if f != "" && onTask[f] {
			return true
		}
	}
	return false
}

// GetConflicts lists the currently conflicted paths from porcelain status.
func (c *Coordinator) GetConflicts(ctx context.Context, repoPath string) ([]string, error) {
	out, err := c.git(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		// Unmerged entries: both modified, both added, or any U state.
		if x == 'U' || y == 'U' || (x == 'A' && y == 'A') || (x == 'D' && y == 'D') {
			paths = append(paths, strings.TrimSpace(line[3:]))
		}
	}
	return paths, nil
}

// stage reads one index stage (1=base, 2=ours, 3=theirs) of a conflicted
// path, byte-exact.
func (c *Coordinator) stage(ctx context.Context, repoPath, path string, n int) (string, bool) {
	out, err := c.gitRaw(ctx, repoPath, "show", fmt.Sprintf(":%d:%s", n, path))
	if err != nil {
		return "", false
	}
	return out, true
}

// buildConflictReport inspects every conflicted path and classifies it.
func (c *Coordinator) buildConflictReport(ctx context.Context, repoPath, taskBranch, agentBranch string) (*ConflictReport, error) {
	paths, err := c.GetConflicts(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	report := &ConflictReport{TaskBranch: taskBranch, AgentBranch: agentBranch}
	autoCount := 0
	for _, p := range paths {
		base, hasBase := c.stage(ctx, repoPath, p, 1)
		ours, hasOurs := c.stage(ctx, repoPath, p, 2)
		theirs, hasTheirs := c.stage(ctx, repoPath, p, 3)

		file := ConflictFile{Path: p, HasBase: hasBase, HasOurs: hasOurs, HasTheirs: hasTheirs}
		// Resolvable when both sides agree, or when only one side diverged
		// from the base.
		if hasOurs && hasTheirs {
			if ours == theirs || (hasBase && (ours == base || theirs == base)) {
				file.AutoResolvable = true
				autoCount++
			}
		}
		report.Files = append(report.Files, file)
	}
	report.Summary = fmt.Sprintf("%d conflicted files, %d auto-resolvable (%s -> %s)",
		len(report.Files), autoCount, taskBranch, agentBranch)
	return report, nil
}

// attemptAutoResolve writes the winning content for every auto-resolvable
// file and stages it. Returns true only if every conflict was resolved.
func (c *Coordinator) attemptAutoResolve(ctx context.Context, repoPath string, report *ConflictReport) bool {
	for _, f := range report.Files {
		if !f.AutoResolvable {
			return false
		}
	}

	for _, f := range report.Files {
		base, hasBase := c.stage(ctx, repoPath, f.Path, 1)
		ours, _ := c.stage(ctx, repoPath, f.Path, 2)
		theirs, _ := c.stage(ctx, repoPath, f.Path, 3)

		// Prefer whichever side actually changed relative to base.
		content := ours
		if hasBase && ours == base {
			content = theirs
		}

		full := filepath.Join(repoPath, f.Path)
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return false
		}
		if _, err := c.git(ctx, repoPath, "add", f.Path); err != nil {
			return false
		}
	}
	return true
}

// GenerateConflictReport renders a human-readable summary for escalation.
func GenerateConflictReport(report *ConflictReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge conflict: %s -> %s\n", report.TaskBranch, report.AgentBranch)
	for _, f := range report.Files {
		fmt.Fprintf(&b, "  %s (base=%t ours=%t theirs=%t auto=%t)\n",
			f.Path, f.HasBase, f.HasOurs, f.HasTheirs, f.AutoResolvable)
	}
	b.WriteString(report.Summary)
	return b.String()
}

// EscalateConflict wraps a conflict report for the escalation channel.
func EscalateConflict(ticketID string, report *ConflictReport) ConflictEscalation {
	return ConflictEscalation{
		Type:      "conflict_escalation",
		TicketID:  ticketID,
		Timestamp: time.Now().UTC(),
		Report:    report,
	}
}
