// Package quality runs the lint and test gates for a workspace and turns
// failures into retry, reassign, or escalate recommendations.
package quality

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/supervisor"
)

// SkipReasonLintFailed marks a test run skipped because lint failed.
const SkipReasonLintFailed = "Lintが失敗したためスキップ"

// SkipReasonNoTests marks a test run skipped because no test files exist.
const SkipReasonNoTests = "テストファイルが見つからないためスキップ"

// GateRun is one gate's execution record.
type GateRun struct {
	Executed   bool   `json:"executed"`
	Passed     bool   `json:"passed"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
	SkipReason string `json:"skipReason,omitempty"`
}

// Result is the combined gate outcome for one ticket.
type Result struct {
	Success     bool        `json:"success"`
	Lint        GateRun     `json:"lint"`
	LintSummary LintSummary `json:"lintSummary"`
	Test        GateRun     `json:"test"`
	TestSummary TestSummary `json:"testSummary"`
	DurationMs  int64       `json:"durationMs"`
	Errors      []string    `json:"errors"`
}

// Gate evaluates workspaces.
type Gate struct {
	cfg        config.QualityConfig
	supervisor *supervisor.Supervisor
	logger     *logger.Logger
}

// New creates a gate.
func New(cfg config.QualityConfig, sup *supervisor.Supervisor, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Default()
	}
	return &Gate{
		cfg:        cfg,
		supervisor: sup,
		logger:     log.WithFields(zap.String("component", "quality-gate")),
	}
}

// testDirNames are directory names that mark a project as having tests.
var testDirNames = []string{"tests", "test", "__tests__"}

// HasTestFiles reports whether the workspace contains recognizable test
// files: conventional test directories or *.{test,spec}.{ts,js} files.
func HasTestFiles(workspace string) bool {
	for _, dir := range testDirNames {
		if info, err := os.Stat(filepath.Join(workspace, dir)); err == nil && info.IsDir() {
			return true
		}
	}

	found := false
	_ = filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || found {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		for _, suffix := range []string{".test.ts", ".test.js", ".spec.ts", ".spec.js"} {
			if strings.HasSuffix(name, suffix) {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}

// Evaluate runs lint then test in the workspace. Test is skipped when lint
// fails or when no test files exist. The gate log (when logDir is set)
// records start, completion, and errors.
func (g *Gate) Evaluate(ctx context.Context, workspace, logDir string) *Result {
	start := time.Now()
	result := &Result{Errors: []string{}}
	g.logGate(logDir, fmt.Sprintf("[START] workspace=%s", workspace))

	// Lint.
	lintStart := time.Now()
	lintRes := g.supervisor.Execute(ctx, g.cfg.LintCommand, supervisor.ExecOptions{
		Cwd:            workspace,
		TimeoutSeconds: g.cfg.TimeoutSeconds,
		LogDir:         logDir,
	})
	result.Lint = GateRun{
		Executed:   true,
		Output:     lintRes.Stdout + lintRes.Stderr,
		DurationMs: time.Since(lintStart).Milliseconds(),
	}
	result.LintSummary = ParseLintOutput(result.Lint.Output)
	result.Lint.Passed = lintRes.ExitCode == 0 || (result.LintSummary.Parsed && result.LintSummary.Passed)
	if lintRes.TimedOut {
		result.Lint.Passed = false
		result.Errors = append(result.Errors, "lint timed out")
	}
	if !result.Lint.Passed && result.LintSummary.ErrorCount == 0 && !result.LintSummary.Parsed {
		result.Errors = append(result.Errors, "lint failed")
	}

	// Test, unless lint failed or there is nothing to test.
	switch {
	case !result.Lint.Passed:
		result.Test = GateRun{SkipReason: SkipReasonLintFailed}
		result.TestSummary = TestSummary{Coverage: -1}
	case !HasTestFiles(workspace):
		result.Test = GateRun{Passed: true, SkipReason: SkipReasonNoTests}
		result.TestSummary = TestSummary{Coverage: -1}
	default:
		testStart := time.Now()
		testRes := g.supervisor.Execute(ctx, g.cfg.TestCommand, supervisor.ExecOptions{
			Cwd:            workspace,
			TimeoutSeconds: g.cfg.TimeoutSeconds,
			LogDir:         logDir,
		})
		result.Test = GateRun{
			Executed:   true,
			Output:     testRes.Stdout + testRes.Stderr,
			Passed:     testRes.ExitCode == 0,
			DurationMs: time.Since(testStart).Milliseconds(),
		}
		result.TestSummary = ParseTestOutput(result.Test.Output)
		if testRes.TimedOut {
			result.Errors = append(result.Errors, "test timed out")
		}
	}

	result.Success = result.Lint.Passed && (result.Test.Passed || result.Test.SkipReason == SkipReasonNoTests)
	result.DurationMs = time.Since(start).Milliseconds()

	if result.Success {
		g.logGate(logDir, fmt.Sprintf("[COMPLETE] success=true durationMs=%d", result.DurationMs))
	} else {
		g.logGate(logDir, fmt.Sprintf("[COMPLETE] success=false lintPassed=%t testPassed=%t durationMs=%d",
			result.Lint.Passed, result.Test.Passed, result.DurationMs))
	}
	return result
}

// logGate appends one line to <logDir>/quality_gates.log. No-op without a
// log directory.
func (g *Gate) logGate(logDir, message string) {
	if logDir == "" {
		return
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(logDir, "quality_gates.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
}
