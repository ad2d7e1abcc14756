package runs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

func TestCreateLayout(t *testing.T) {
	m := NewManager(t.TempDir(), logger.Default())

	run, err := m.Create("run-1")
	require.NoError(t, err)

	info, err := os.Stat(run.ArtifactsDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTaskAndQualityRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir(), logger.Default())
	run, err := m.Create("run-1")
	require.NoError(t, err)

	task := map[string]string{"ticketId": "T-1", "instruction": "add login"}
	require.NoError(t, run.SaveTask(task))

	var loaded map[string]string
	require.NoError(t, run.LoadTask(&loaded))
	assert.Equal(t, task, loaded)

	result := &quality.Result{Success: true}
	require.NoError(t, run.SaveQuality(result))

	var q quality.Result
	require.NoError(t, run.LoadQuality(&q))
	assert.True(t, q.Success)
}

func TestGetUnknownRun(t *testing.T) {
	m := NewManager(t.TempDir(), logger.Default())

	_, err := m.Get("missing")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
}

func TestAppendError(t *testing.T) {
	m := NewManager(t.TempDir(), logger.Default())
	run, err := m.Create("run-1")
	require.NoError(t, err)

	run.AppendError("first failure")
	run.AppendError("second failure")

	data, err := os.ReadFile(filepath.Join(run.Dir(), FileErrors))
	require.NoError(t, err)
	assert.Contains(t, string(data), "first failure")
	assert.Contains(t, string(data), "second failure")
}

func TestArtifactsCopyAndList(t *testing.T) {
	m := NewManager(t.TempDir(), logger.Default())
	run, err := m.Create("run-1")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "main.go")
	require.NoError(t, os.WriteFile(src, []byte("package main\n"), 0o644))

	require.NoError(t, run.CopyArtifact(src, "cmd/app/main.go"))

	paths, err := run.ListArtifacts()
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd/app/main.go"}, paths)

	data, err := os.ReadFile(filepath.Join(run.ArtifactsDir(), "cmd", "app", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestReportRendering(t *testing.T) {
	m := NewManager(t.TempDir(), logger.Default())
	run, err := m.Create("run-1")
	require.NoError(t, err)

	rep := &Report{
		RunID:       "run-1",
		WorkflowID:  "wf-1",
		Instruction: "Add user login",
		Status:      "success",
		Tickets: []*models.Ticket{
			{ID: "wf-1-developer-1", Title: "Implement login", Status: models.StatusCompleted, GitBranch: "agent/wf-1-developer-1-implement-login"},
		},
		Quality: &quality.Result{
			Success: true,
			Lint:    quality.GateRun{Executed: true, Passed: true, DurationMs: 1200},
			Test:    quality.GateRun{Executed: true, Passed: true, DurationMs: 5400},
		},
		Commits: []gitops.CommitInfo{
			{Hash: "0123456789abcdef", Message: "[wf-1-developer-1] Implement login", Author: "bosun", Timestamp: time.Now()},
		},
	}
	require.NoError(t, run.WriteReport(rep))

	text, err := run.ReadReport()
	require.NoError(t, err)
	assert.Contains(t, text, "# Run run-1")
	assert.Contains(t, text, "| wf-1-developer-1 | Implement login | completed |")
	assert.Contains(t, text, "- Lint: PASS [1200ms]")
	assert.Contains(t, text, "`01234567` [wf-1-developer-1] Implement login")
}

func TestListNewestFirst(t *testing.T) {
	m := NewManager(t.TempDir(), logger.Default())

	_, err := m.Create("run-old")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = m.Create("run-new")
	require.NoError(t, err)

	ids, err := m.List()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "run-new", ids[0])
}
