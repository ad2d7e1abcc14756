package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/internal/approval"
	"github.com/bosun-dev/bosun/internal/bus"
	"github.com/bosun-dev/bosun/internal/codingagent"
	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/decompose"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/llm"
	"github.com/bosun-dev/bosun/internal/meeting"
	"github.com/bosun-dev/bosun/internal/project"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/runs"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/supervisor"
	"github.com/bosun-dev/bosun/internal/workerpool"
	"github.com/bosun-dev/bosun/internal/workflow"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

type stubLLM struct{ available bool }

func (s *stubLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: workerpool.CompletionSentinel, TokensUsed: 1}, nil
}

func (s *stubLLM) Health(ctx context.Context) llm.HealthStatus {
	status := llm.HealthStatus{Available: s.available, OllamaRunning: s.available}
	if !s.available {
		status.SetupInstructions = llm.SetupInstructions(nil)
	}
	return status
}

func (s *stubLLM) Model() string { return "stub" }

type fixture struct {
	server *Server
	gate   *approval.Gate
	runs   *runs.Manager
	projID string
}

func newFixture(t *testing.T, available bool) *fixture {
	t.Helper()
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")
	log := logger.Default()
	adapter := &stubLLM{available: available}

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	cfg.Bus.Type = "file"
	cfg.Workers.MaxWorkers = 2
	cfg.Ollama.MaxTurns = 5
	cfg.Agents.TimeoutSeconds = 60
	cfg.Quality.LintCommand = "echo lint ok"
	cfg.Quality.TestCommand = "echo test ok"
	cfg.Quality.TimeoutSeconds = 60
	cfg.Quality.RetryBudget = 2
	cfg.Runtime.WorkDir = t.TempDir()
	cfg.Runtime.StateDir = t.TempDir()
	cfg.Runtime.RunsDir = t.TempDir()
	cfg.Supervisor.DefaultTimeoutSeconds = 60

	git := gitops.New(log)
	sup := supervisor.New(cfg.Supervisor, log)
	stateStore := state.NewStore(cfg.Runtime.StateDir, log)
	msgBus := bus.NewFileBus(t.TempDir(), log)
	require.NoError(t, msgBus.Initialize(context.Background()))

	projects := project.NewRegistry(t.TempDir(), git, log)
	origin := initOrigin(t, "agent/demo")
	proj, err := projects.AddProject("demo", origin, project.AddOptions{
		SkipGitURLValidation: true,
		AgentBranch:          "agent/demo",
	})
	require.NoError(t, err)

	gate := approval.NewGate(stateStore, log)
	perf := state.NewPerformanceStore(stateStore)
	runsMgr := runs.NewManager(cfg.Runtime.RunsDir, log)

	pool := workerpool.New(cfg, workerpool.Deps{
		Workspaces:  workerpool.NewDirProvider(cfg.Runtime.WorkDir, git, log),
		Git:         git,
		Supervisor:  sup,
		Agents:      codingagent.NewRegistry(nil, time.Minute, log),
		LLM:         adapter,
		Quality:     quality.New(cfg.Quality, sup, log),
		Bus:         msgBus,
		Runs:        runsMgr,
		Performance: perf,
	}, log)

	engine := workflow.NewEngine(cfg, workflow.Deps{
		Repo:      workflow.NewRepository(stateStore),
		Projects:  projects,
		Decompose: decompose.New(log),
		Meetings:  meeting.New(stateStore, log),
		Approvals: gate,
		Pool:      pool,
		Bus:       msgBus,
		LLM:       adapter,
		Agents:    codingagent.NewRegistry(nil, time.Minute, log),
		Knowledge: state.NewKnowledgeBase(stateStore),
		Runs:      runsMgr,
	}, log)

	srv := New(Options{
		Config:      cfg,
		ConfigPath:  filepath.Join(t.TempDir(), "config.yaml"),
		Engine:      engine,
		Runs:        runsMgr,
		Performance: perf,
	}, log)

	return &fixture{server: srv, gate: gate, runs: runsMgr, projID: proj.ID}
}

func initOrigin(t *testing.T, agentBranch string) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	run("branch", agentBranch)
	return dir
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (bool, map[string]any, string) {
	t.Helper()
	var resp struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Success, resp.Data, resp.Error
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	success, data, _ := decodeEnvelope(t, w)
	assert.True(t, success)
	assert.Equal(t, "healthy", data["status"])
}

func TestHealthAI(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/health/ai", nil)
	require.Equal(t, http.StatusOK, w.Code)
	success, data, _ := decodeEnvelope(t, w)
	assert.True(t, success)
	assert.Equal(t, false, data["available"])
	assert.Contains(t, data["setupInstructions"], "https://ollama.ai/download")
}

func TestSubmitTaskNoAI(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/tasks", map[string]string{
		"instruction": "x", "projectId": f.projID,
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	success, data, _ := decodeEnvelope(t, w)
	assert.False(t, success)
	assert.Equal(t, false, data["ollamaRunning"])
	assert.Contains(t, data["setupInstructions"], "https://ollama.ai/download")
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/tasks", map[string]string{"instruction": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
	success, _, errMsg := decodeEnvelope(t, w)
	assert.False(t, success)
	assert.NotEmpty(t, errMsg)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/tasks", map[string]string{
		"instruction": "Add a greeting file", "projectId": f.projID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, data, _ := decodeEnvelope(t, w)
	runID, _ := data["runId"].(string)
	require.NotEmpty(t, runID)

	// Blocks at the plan gate; status shows the approval phase.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.gate.GetPendingApprovals()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = f.do(t, http.MethodGet, "/api/tasks/"+runID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data, _ = decodeEnvelope(t, w)
	assert.Equal(t, string(models.PhaseApproval), data["phase"])

	w = f.do(t, http.MethodGet, "/api/workflows?status=waiting_approval", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data, _ = decodeEnvelope(t, w)
	assert.Equal(t, float64(1), data["total"])

	w = f.do(t, http.MethodGet, "/api/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data, _ = decodeEnvelope(t, w)
	assert.Equal(t, float64(1), data["total"])

	workflowID := f.gate.GetPendingApprovals()[0].WorkflowID

	// Reject ends the workflow.
	w = f.do(t, http.MethodPost, "/api/workflows/"+workflowID+"/approval", models.ApprovalDecision{
		WorkflowID: workflowID,
		Phase:      models.PhaseApproval,
		Action:     models.ActionReject,
		Feedback:   "not now",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w = f.do(t, http.MethodGet, "/api/workflows/"+workflowID, nil)
		var resp struct {
			Data struct {
				Workflow models.Workflow `json:"workflow"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		if resp.Data.Workflow.Phase == models.PhaseFailed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("workflow never failed after rejection")
}

func TestSubmitApprovalNotAwaiting(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/workflows/wf-none/approval", models.ApprovalDecision{
		Action: models.ActionApprove,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	_, _, errMsg := decodeEnvelope(t, w)
	assert.Contains(t, errMsg, "not awaiting approval")
}

func TestAgentControl(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/agents/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/dashboard/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	assert.Equal(t, true, data["paused"])

	w = f.do(t, http.MethodPost, "/api/agents/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/dashboard/status", nil)
	_, data, _ = decodeEnvelope(t, w)
	assert.Equal(t, false, data["paused"])
}

func TestRunEndpoints(t *testing.T) {
	f := newFixture(t, true)

	run, err := f.runs.Create("run-x")
	require.NoError(t, err)
	require.NoError(t, run.SaveQuality(map[string]any{"success": true}))
	require.NoError(t, os.WriteFile(filepath.Join(run.Dir(), runs.FileReport), []byte("# Run run-x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(run.ArtifactsDir(), "a.txt"), []byte("a"), 0o644))

	w := f.do(t, http.MethodGet, "/api/runs/run-x/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# Run run-x")

	w = f.do(t, http.MethodGet, "/api/runs/run-x/artifacts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	assert.Equal(t, float64(1), data["total"])

	w = f.do(t, http.MethodGet, "/api/runs/run-x/quality", nil)
	require.Equal(t, http.StatusOK, w.Code)
	success, data, _ := decodeEnvelope(t, w)
	assert.True(t, success)
	assert.Equal(t, true, data["success"])

	w = f.do(t, http.MethodGet, "/api/runs/run-missing/report", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, w.Code)

	next := *f.server.cfg
	next.Workers.MaxWorkers = 7
	w = f.do(t, http.MethodPut, "/api/config", next)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 7, f.server.cfg.Workers.MaxWorkers)

	_, err := os.Stat(f.server.configPath)
	assert.NoError(t, err, "config persisted to disk")

	bad := next
	bad.Workers.MaxWorkers = -1
	w = f.do(t, http.MethodPost, "/api/config/validate", bad)
	require.Equal(t, http.StatusOK, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	assert.Equal(t, false, data["valid"])

	w = f.do(t, http.MethodPut, "/api/config", bad)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/api/health/nonexistent", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	success, _, _ := decodeEnvelope(t, w)
	assert.False(t, success)
}
