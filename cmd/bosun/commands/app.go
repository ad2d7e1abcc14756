package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bosun-dev/bosun/internal/approval"
	"github.com/bosun-dev/bosun/internal/bus"
	"github.com/bosun-dev/bosun/internal/codingagent"
	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/common/telemetry"
	"github.com/bosun-dev/bosun/internal/decompose"
	eventbus "github.com/bosun-dev/bosun/internal/events/bus"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/llm"
	"github.com/bosun-dev/bosun/internal/meeting"
	"github.com/bosun-dev/bosun/internal/project"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/runs"
	"github.com/bosun-dev/bosun/internal/server"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/supervisor"
	"github.com/bosun-dev/bosun/internal/workerpool"
	"github.com/bosun-dev/bosun/internal/workflow"
)

// app wires every subsystem behind one struct so subcommands share a single
// construction path.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *state.Store
	projects *project.Registry
	runs     *runs.Manager
	perf     *state.PerformanceStore
	waivers  *quality.WaiverStore
	gate     *approval.Gate
	msgBus   bus.Bus
	events   eventbus.EventBus
	pool     *workerpool.Pool
	engine   *workflow.Engine
}

func newApp(ctx context.Context, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, loadError(err)
	}
	for _, override := range overrides {
		override(cfg)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, loadError(fmt.Errorf("failed to initialize logger: %w", err))
	}

	for _, dir := range []string{cfg.Runtime.StateDir, cfg.Runtime.RunsDir, cfg.Runtime.WorkDir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, loadError(fmt.Errorf("failed to create %s: %w", dir, err))
			}
		}
	}

	git := gitops.New(log)
	sup := supervisor.New(cfg.Supervisor, log)
	store := state.NewStore(cfg.Runtime.StateDir, log)
	projects := project.NewRegistry(cfg.Runtime.StateDir, git, log)
	runsMgr := runs.NewManager(cfg.Runtime.RunsDir, log)
	perf := state.NewPerformanceStore(store)
	gate := approval.NewGate(store, log)
	waivers := quality.NewWaiverStore(store)

	msgBus, err := bus.New(cfg, log)
	if err != nil {
		return nil, loadError(err)
	}
	if err := msgBus.Initialize(ctx); err != nil {
		return nil, loadError(err)
	}

	events, err := eventbus.New(cfg.NATS, log)
	if err != nil {
		return nil, loadError(err)
	}

	workspaces, err := workerpool.NewWorkspaceProvider(ctx, cfg, git, log)
	if err != nil {
		return nil, loadError(err)
	}

	adapter := llm.NewOllama(cfg.Ollama.URL, cfg.Ollama.Model, cfg.Ollama.RecommendedModels, log)
	probeTTL := time.Duration(cfg.Agents.ProbeTTLSeconds) * time.Second
	agents := codingagent.NewDefaultRegistry(cfg.Agents.Priority, probeTTL, log)

	pool := workerpool.New(cfg, workerpool.Deps{
		Workspaces:  workspaces,
		Git:         git,
		Supervisor:  sup,
		Agents:      agents,
		LLM:         adapter,
		Quality:     quality.New(cfg.Quality, sup, log),
		Bus:         msgBus,
		Runs:        runsMgr,
		Performance: perf,
	}, log)

	engine := workflow.NewEngine(cfg, workflow.Deps{
		Repo:      workflow.NewRepository(store),
		Projects:  projects,
		Decompose: decompose.New(log),
		Meetings:  meeting.New(store, log),
		Approvals: gate,
		Pool:      pool,
		Bus:       msgBus,
		Events:    events,
		LLM:       adapter,
		Agents:    agents,
		Knowledge: state.NewKnowledgeBase(store),
		Runs:      runsMgr,
	}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		projects: projects,
		runs:     runsMgr,
		perf:     perf,
		waivers:  waivers,
		gate:     gate,
		msgBus:   msgBus,
		events:   events,
		pool:     pool,
		engine:   engine,
	}, nil
}

func (a *app) close() {
	if a.events != nil {
		_ = a.events.Close()
	}
	if a.msgBus != nil {
		_ = a.msgBus.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = telemetry.Shutdown(shutdownCtx)
	_ = a.log.Sync()
}

func (a *app) controlServer() *server.Server {
	return server.New(server.Options{
		Config:      a.cfg,
		ConfigPath:  configFilePath(),
		Engine:      a.engine,
		Runs:        a.runs,
		Performance: a.perf,
	}, a.log)
}

func configFilePath() string {
	if configPath == "" {
		return ""
	}
	return filepath.Join(configPath, "config.yaml")
}
