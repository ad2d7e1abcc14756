package workflow

import (
	"context"
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
	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
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
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// sentinelLLM immediately declares every task complete.
type sentinelLLM struct{ available bool }

func (s *sentinelLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: workerpool.CompletionSentinel, TokensUsed: 1}, nil
}

func (s *sentinelLLM) Health(ctx context.Context) llm.HealthStatus {
	status := llm.HealthStatus{Available: s.available, OllamaRunning: s.available}
	if !s.available {
		status.SetupInstructions = llm.SetupInstructions(nil)
	}
	return status
}

func (s *sentinelLLM) Model() string { return "sentinel" }

func initTestOrigin(t *testing.T, agentBranch string) string {
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

type engineFixture struct {
	engine   *Engine
	gate     *approval.Gate
	projects *project.Registry
	projID   string
	repo     *Repository
	perf     *state.PerformanceStore
	runsMgr  *runs.Manager
}

func newEngineFixture(t *testing.T, adapter llm.Adapter, tweaks ...func(*config.Config)) *engineFixture {
	t.Helper()
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")
	log := logger.Default()

	cfg := &config.Config{}
	cfg.Workers.MaxWorkers = 2
	cfg.Ollama.MaxTurns = 5
	cfg.Agents.TimeoutSeconds = 60
	cfg.Quality.LintCommand = "echo lint ok"
	cfg.Quality.TestCommand = "echo test ok"
	cfg.Quality.TimeoutSeconds = 60
	cfg.Quality.RetryBudget = 2
	cfg.Runtime.WorkDir = t.TempDir()
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	git := gitops.New(log)
	sup := supervisor.New(config.SupervisorConfig{DefaultTimeoutSeconds: 60}, log)
	stateStore := state.NewStore(t.TempDir(), log)
	msgBus := bus.NewFileBus(t.TempDir(), log)
	require.NoError(t, msgBus.Initialize(context.Background()))

	projects := project.NewRegistry(t.TempDir(), git, log)
	origin := initTestOrigin(t, "agent/demo")
	proj, err := projects.AddProject("demo", origin, project.AddOptions{
		SkipGitURLValidation: true,
		AgentBranch:          "agent/demo",
	})
	require.NoError(t, err)

	gate := approval.NewGate(stateStore, log)
	perf := state.NewPerformanceStore(stateStore)
	runsMgr := runs.NewManager(t.TempDir(), log)

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

	repo := NewRepository(stateStore)
	engine := NewEngine(cfg, Deps{
		Repo:      repo,
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

	return &engineFixture{
		engine:   engine,
		gate:     gate,
		projects: projects,
		projID:   proj.ID,
		repo:     repo,
		perf:     perf,
		runsMgr:  runsMgr,
	}
}

// autoApprove answers every pending approval with the decisions in order,
// repeating the last one once the script runs out.
func (f *engineFixture) autoApprove(t *testing.T, stop <-chan struct{}, actions ...models.ApprovalAction) {
	t.Helper()
	go func() {
		i := 0
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			for _, p := range f.gate.GetPendingApprovals() {
				action := actions[min(i, len(actions)-1)]
				i++
				_ = f.gate.SubmitDecision(p.WorkflowID, models.ApprovalDecision{
					Action:   action,
					Feedback: "scripted",
				})
			}
		}
	}()
}

func waitForPhase(t *testing.T, repo *Repository, workflowID string, want models.Phase) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := repo.GetWorkflow(workflowID)
		if err == nil && wf.Phase == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	wf, _ := repo.GetWorkflow(workflowID)
	t.Fatalf("workflow %s never reached %s (stuck at %s)", workflowID, want, wf.Phase)
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})
	stop := make(chan struct{})
	defer close(stop)
	f.autoApprove(t, stop, models.ActionApprove)

	runID, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	workflows, err := f.engine.ListWorkflows("")
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	wf := workflows[0]

	waitForPhase(t, f.repo, wf.WorkflowID, models.PhaseCompleted)

	// Ticket tree completed with it.
	tickets, err := f.repo.AllTickets(mustGet(t, f.repo, wf.WorkflowID))
	require.NoError(t, err)
	require.NotEmpty(t, tickets)
	for _, ticket := range tickets {
		assert.Equal(t, models.StatusCompleted, ticket.Status, ticket.ID)
	}

	// The top-level run carries the final report.
	run, err := f.runsMgr.Get(runID)
	require.NoError(t, err)
	report, err := run.ReadReport()
	require.NoError(t, err)
	assert.Contains(t, report, "Add a greeting file")
}

func mustGet(t *testing.T, repo *Repository, id string) *models.Workflow {
	t.Helper()
	wf, err := repo.GetWorkflow(id)
	require.NoError(t, err)
	return wf
}

func TestRevisionLoopReDecomposes(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})
	stop := make(chan struct{})
	defer close(stop)
	f.autoApprove(t, stop, models.ActionRequestRevision, models.ActionApprove)

	_, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)

	workflows, err := f.engine.ListWorkflows("")
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	waitForPhase(t, f.repo, workflows[0].WorkflowID, models.PhaseCompleted)

	history, err := f.gate.GetApprovalHistory(workflows[0].WorkflowID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, models.ActionRequestRevision, history[0].Action)
}

func TestPlanRejectionFailsWorkflow(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})
	stop := make(chan struct{})
	defer close(stop)
	f.autoApprove(t, stop, models.ActionReject)

	_, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)

	workflows, err := f.engine.ListWorkflows("")
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	waitForPhase(t, f.repo, workflows[0].WorkflowID, models.PhaseFailed)
}

func TestQualityReassignSwitchesAgent(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true}, func(cfg *config.Config) {
		cfg.Quality.LintCommand = "sh -c 'echo \"2 problems (2 errors, 0 warnings)\"; exit 1'"
	})
	stop := make(chan struct{})
	defer close(stop)
	f.autoApprove(t, stop, models.ActionApprove)

	_, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)

	workflows, err := f.engine.ListWorkflows("")
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	waitForPhase(t, f.repo, workflows[0].WorkflowID, models.PhaseCompleted)

	// Two consecutive failures hand the ticket to a second agent; the third
	// attempt runs under a different identity before escalating.
	first, err := f.perf.Records("developer-1")
	require.NoError(t, err)
	second, err := f.perf.Records("developer-2")
	require.NoError(t, err)
	require.NotEmpty(t, first)
	require.NotEmpty(t, second, "reassigned attempt runs as developer-2")
	for _, rec := range second {
		assert.False(t, rec.Success)
		assert.Equal(t, "developer", rec.TaskCategory)
	}
}

func TestSubmitTaskAIUnavailable(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: false})

	_, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeAIUnavailable, appErr.Code)
	assert.Contains(t, appErr.Message, "https://ollama.ai/download")
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})

	_, err := f.engine.SubmitTask(context.Background(), "  ", f.projID)
	require.Error(t, err)

	_, err = f.engine.SubmitTask(context.Background(), "do things", "")
	require.Error(t, err)

	_, err = f.engine.SubmitTask(context.Background(), "do things", "no-such-project")
	require.Error(t, err)
}

func TestListWorkflowsWaitingApproval(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})

	runID, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)

	// No approver: the workflow blocks at the plan gate.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.gate.GetPendingApprovals()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	waiting, err := f.engine.ListWorkflows("waiting_approval")
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	status, err := f.engine.GetRun(runID)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, models.PhaseApproval, status.Phase)

	require.NoError(t, f.engine.CancelRun(runID))
}

func TestCancelRunPreservesState(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})

	runID, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.gate.GetPendingApprovals()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, f.engine.CancelRun(runID))

	workflows, err := f.engine.ListWorkflows("")
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	// Cancellation is not failure: the phase survives for a later resume.
	assert.Equal(t, models.PhaseApproval, workflows[0].Phase)

	require.Error(t, f.engine.CancelRun(runID), "second cancel finds no active run")
}

func TestResumeRunContinuesFromPhase(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})

	runID, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.gate.GetPendingApprovals()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.engine.CancelRun(runID))

	stop := make(chan struct{})
	defer close(stop)
	f.autoApprove(t, stop, models.ActionApprove)

	resumedID, err := f.engine.ResumeRun(runID)
	require.NoError(t, err)
	require.NotEqual(t, runID, resumedID)

	workflows, err := f.engine.ListWorkflows("")
	require.NoError(t, err)
	waitForPhase(t, f.repo, workflows[0].WorkflowID, models.PhaseCompleted)

	// Resuming a terminal workflow conflicts.
	_, err = f.engine.ResumeRun(resumedID)
	require.Error(t, err)
}

func TestEmergencyStop(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})

	runID, err := f.engine.SubmitTask(context.Background(), "Add a greeting file", f.projID)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.gate.GetPendingApprovals()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.engine.EmergencyStop()

	status, err := f.engine.GetRun(runID)
	require.NoError(t, err)
	assert.False(t, status.Active)

	// No new workflows start after an emergency stop.
	_, err = f.engine.SubmitTask(context.Background(), "another task", f.projID)
	require.Error(t, err)
}

func TestDashboardAggregates(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: true})

	status := f.engine.Dashboard(f.perf)
	assert.Equal(t, 0, status.ActiveWorkers)
	assert.Equal(t, 0, status.ActiveWorkflows)
	assert.Equal(t, float64(-1), status.SuccessRate)
	assert.False(t, status.Paused)

	f.engine.PauseAgents()
	assert.True(t, f.engine.Dashboard(f.perf).Paused)
	f.engine.ResumeAgents()
	assert.False(t, f.engine.Dashboard(f.perf).Paused)
}

func TestCheckAIAdmitsOnCodingAgentOnly(t *testing.T) {
	f := newEngineFixture(t, &sentinelLLM{available: false})

	status := f.engine.CheckAI(context.Background())
	assert.False(t, status.Available)
	assert.False(t, status.admissible())
	assert.Contains(t, status.SetupInstructions, "https://ollama.ai/download")
}
