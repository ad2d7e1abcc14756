package quality

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/supervisor"
)

func TestParseLintOutput(t *testing.T) {
	s := ParseLintOutput("✖ 5 problems (3 errors, 2 warnings)")
	assert.True(t, s.Parsed)
	assert.Equal(t, 3, s.ErrorCount)
	assert.Equal(t, 2, s.WarningCount)
	assert.False(t, s.Passed)

	s = ParseLintOutput("✖ 2 problems (0 errors, 2 warnings)")
	assert.True(t, s.Parsed)
	assert.True(t, s.Passed)

	s = ParseLintOutput("3 errors and 1 warning")
	assert.True(t, s.Parsed)
	assert.Equal(t, 3, s.ErrorCount)
	assert.False(t, s.Passed)

	s = ParseLintOutput("")
	assert.True(t, s.Parsed)
	assert.True(t, s.Passed)

	s = ParseLintOutput("some unrecognized linter chatter")
	assert.False(t, s.Parsed)
	assert.True(t, s.Passed)
}

func TestParseTestOutput(t *testing.T) {
	out := `
 RUN  v1.2.0
 Test Files  3 passed (3)
      Tests  12 passed | 2 failed | 1 skipped (15)
`
	s := ParseTestOutput(out)
	assert.True(t, s.Parsed)
	assert.Equal(t, 12, s.Passed)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 15, s.Total)
	assert.Equal(t, float64(-1), s.Coverage)

	withCoverage := out + "\nAll files |   85.2 |   70.1 |\n"
	s = ParseTestOutput(withCoverage)
	assert.InDelta(t, 85.2, s.Coverage, 0.001)

	s = ParseTestOutput("Statements: 91.5% covered\nTest Files  2 passed (2)")
	assert.True(t, s.Parsed)
	assert.InDelta(t, 91.5, s.Coverage, 0.001)

	s = ParseTestOutput("no recognizable output")
	assert.False(t, s.Parsed)
}

func newGate(t *testing.T, lintCmd, testCmd string) *Gate {
	t.Helper()
	sup := supervisor.New(config.SupervisorConfig{DefaultTimeoutSeconds: 30}, logger.Default())
	return New(config.QualityConfig{
		LintCommand:    lintCmd,
		TestCommand:    testCmd,
		TimeoutSeconds: 30,
		RetryBudget:    3,
	}, sup, logger.Default())
}

func TestGateSkipsTestWhenLintFails(t *testing.T) {
	ws := t.TempDir()
	gate := newGate(t, `sh -c 'echo "✖ 5 problems (3 errors, 2 warnings)"; exit 1'`, "echo tests")

	res := gate.Evaluate(context.Background(), ws, "")
	assert.False(t, res.Success)
	assert.False(t, res.Lint.Passed)
	assert.Equal(t, 3, res.LintSummary.ErrorCount)
	assert.False(t, res.Test.Executed)
	assert.Equal(t, SkipReasonLintFailed, res.Test.SkipReason)
}

func TestGateSkipsTestWithoutTestFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main\n"), 0644))
	gate := newGate(t, "true", "false")

	res := gate.Evaluate(context.Background(), ws, "")
	assert.True(t, res.Success)
	assert.True(t, res.Lint.Passed)
	assert.False(t, res.Test.Executed)
	assert.Equal(t, SkipReasonNoTests, res.Test.SkipReason)
}

func TestGateRunsTests(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "tests"), 0755))
	gate := newGate(t, "true", `sh -c 'echo "Tests  4 passed | 0 failed | 0 skipped (4)"'`)

	logDir := t.TempDir()
	res := gate.Evaluate(context.Background(), ws, logDir)
	assert.True(t, res.Success)
	assert.True(t, res.Test.Executed)
	assert.True(t, res.Test.Passed)
	assert.Equal(t, 4, res.TestSummary.Total)

	data, err := os.ReadFile(filepath.Join(logDir, "quality_gates.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[START]")
	assert.Contains(t, string(data), "success=true")
}

func TestHasTestFiles(t *testing.T) {
	ws := t.TempDir()
	assert.False(t, HasTestFiles(ws))

	require.NoError(t, os.WriteFile(filepath.Join(ws, "app.ts"), []byte(""), 0644))
	assert.False(t, HasTestFiles(ws))

	require.NoError(t, os.WriteFile(filepath.Join(ws, "app.spec.ts"), []byte(""), 0644))
	assert.True(t, HasTestFiles(ws))

	ws2 := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws2, "__tests__"), 0755))
	assert.True(t, HasTestFiles(ws2))
}

func failedLintResult() *Result {
	output := `src/a.ts
  1:1  error  Missing semicolon
  2:5  error  Unexpected var
  9:9  error  Unused variable x

✖ 5 problems (3 errors, 2 warnings)`
	return &Result{
		Lint:        GateRun{Executed: true, Passed: false, Output: output},
		LintSummary: ParseLintOutput(output),
		Test:        GateRun{SkipReason: SkipReasonLintFailed},
		Errors:      []string{},
	}
}

func TestRecommenderEscalationLadder(t *testing.T) {
	r := NewRecommender()
	res := failedLintResult()

	first := r.Recommend("t-1", "dev-1", res)
	assert.Equal(t, DecisionRetry, first.Action)
	assert.Equal(t, 1, first.FailStreak)
	require.NotEmpty(t, first.Instructions)
	assert.Equal(t, "Lintエラーを修正してください", first.Instructions[0])
	assert.Contains(t, first.Instructions, "1:1  error  Missing semicolon")
	assert.Contains(t, first.Instructions, "2:5  error  Unexpected var")
	assert.Contains(t, first.Instructions, "9:9  error  Unused variable x")

	second := r.Recommend("t-1", "dev-1", res)
	assert.Equal(t, DecisionReassign, second.Action)

	third := r.Recommend("t-1", "dev-1", res)
	assert.Equal(t, DecisionEscalate, third.Action)
	assert.Equal(t, RoleQualityAuthority, third.EscalateTo)

	fourth := r.Recommend("t-1", "dev-1", res)
	assert.Equal(t, DecisionEscalate, fourth.Action)
}

func TestRecommenderStreaksAreIndependent(t *testing.T) {
	r := NewRecommender()
	res := failedLintResult()

	_ = r.Recommend("t-1", "dev-1", res)
	other := r.Recommend("t-2", "dev-1", res)
	assert.Equal(t, DecisionRetry, other.Action)

	r.RecordSuccess("t-1", "dev-1")
	again := r.Recommend("t-1", "dev-1", res)
	assert.Equal(t, DecisionRetry, again.Action, "success resets the streak")
}

func TestWaiverStoreAndJudge(t *testing.T) {
	store := state.NewStore(t.TempDir(), logger.Default())
	ws := NewWaiverStore(store)

	err := ws.Create(&Waiver{Gate: "deploy", Reason: "x"})
	require.Error(t, err)

	w := &Waiver{Gate: GateLint, Reason: "legacy lint debt", CreatedBy: "admin", RunID: "run-1"}
	require.NoError(t, ws.Create(w))
	require.NoError(t, ws.Validate(w.ID))

	expired := &Waiver{Gate: GateTest, Reason: "flaky suite", ExpiresAt: time.Now().Add(-time.Hour)}
	require.NoError(t, ws.Create(expired))
	require.Error(t, ws.Validate(expired.ID))

	all, err := ws.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	res := failedLintResult()
	waivers, err := ws.List()
	require.NoError(t, err)

	verdict := Judge("run-1", res, waivers)
	assert.True(t, verdict.Passed)
	assert.Contains(t, verdict.WaivedGates, GateLint)

	// The waiver is scoped to run-1; other runs still fail.
	verdict = Judge("run-2", res, waivers)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Reasons, "lint failed")
}
