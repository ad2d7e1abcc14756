package workerpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/project"
)

// Workspace is a per-ticket working directory holding a git checkout.
type Workspace interface {
	Path() string
	Destroy(ctx context.Context) error
}

// WorkspaceProvider acquires workspaces for tickets. The plain directory
// provider shares one checkout per project; the container provider clones
// per ticket and wraps the clone in a sidecar container.
type WorkspaceProvider interface {
	Create(ctx context.Context, proj *project.Project, ticketID string) (Workspace, error)
}

// dirWorkspace is the no-op container mapping: one checkout per project,
// exclusively held by a single ticket at a time.
type dirWorkspace struct {
	path    string
	release func()
}

func (w *dirWorkspace) Path() string { return w.path }

func (w *dirWorkspace) Destroy(ctx context.Context) error {
	if w.release != nil {
		w.release()
		w.release = nil
	}
	return nil
}

// DirProvider maps workspaces to plain directories under workDir.
type DirProvider struct {
	workDir string
	git     *gitops.Coordinator
	logger  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-project exclusivity
}

// NewDirProvider creates the plain-directory workspace provider.
func NewDirProvider(workDir string, git *gitops.Coordinator, log *logger.Logger) *DirProvider {
	if log == nil {
		log = logger.Default()
	}
	return &DirProvider{
		workDir: workDir,
		git:     git,
		logger:  log.WithFields(zap.String("component", "workspace")),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (p *DirProvider) projectLock(projectID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.locks[projectID]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.locks[projectID] = l
	return l
}

// Create checks out the project into workDir/<projectId>, cloning on first
// use and pulling otherwise. The returned workspace holds the project lock
// until Destroy.
func (p *DirProvider) Create(ctx context.Context, proj *project.Project, ticketID string) (Workspace, error) {
	lock := p.projectLock(proj.ID)
	lock.Lock()

	dir := filepath.Join(p.workDir, proj.ID)
	if err := p.ensureCheckout(ctx, proj, dir); err != nil {
		lock.Unlock()
		return nil, err
	}

	p.logger.Debug("workspace acquired",
		zap.String("project_id", proj.ID),
		zap.String("ticket_id", ticketID),
		zap.String("dir", dir))
	return &dirWorkspace{path: dir, release: lock.Unlock}, nil
}

func (p *DirProvider) ensureCheckout(ctx context.Context, proj *project.Project, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if err := p.git.Checkout(ctx, dir, proj.AgentBranch); err != nil {
			return err
		}
		// A pull failure is tolerated; offline work proceeds on the local copy.
		if err := p.git.Pull(ctx, dir); err != nil {
			p.logger.Warn("workspace pull failed", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := p.git.Clone(ctx, proj.GitURL, dir); err != nil {
		return err
	}
	return p.git.Checkout(ctx, dir, proj.AgentBranch)
}

// containerWorkspace is a per-ticket clone wrapped in a sidecar container.
type containerWorkspace struct {
	path        string
	containerID string
	cli         *client.Client
	logger      *logger.Logger
}

func (w *containerWorkspace) Path() string { return w.path }

func (w *containerWorkspace) Destroy(ctx context.Context) error {
	if w.containerID != "" {
		if err := w.cli.ContainerRemove(ctx, w.containerID, container.RemoveOptions{Force: true}); err != nil {
			w.logger.Warn("failed to remove workspace container",
				zap.String("container_id", w.containerID), zap.Error(err))
		}
		w.containerID = ""
	}
	return os.RemoveAll(w.path)
}

// ContainerProvider clones per ticket and starts an isolation container with
// the clone bind-mounted at /workspace.
type ContainerProvider struct {
	workDir string
	cfg     config.DockerConfig
	git     *gitops.Coordinator
	cli     *client.Client
	logger  *logger.Logger
}

// NewContainerProvider creates the docker-backed workspace provider and
// validates that the daemon is reachable.
func NewContainerProvider(ctx context.Context, workDir string, cfg config.DockerConfig, git *gitops.Coordinator, log *logger.Logger) (*ContainerProvider, error) {
	if log == nil {
		log = logger.Default()
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return &ContainerProvider{
		workDir: workDir,
		cfg:     cfg,
		git:     git,
		cli:     cli,
		logger:  log.WithFields(zap.String("component", "workspace")),
	}, nil
}

// Create clones the project into a ticket-scoped directory and starts the
// workspace container over it.
func (p *ContainerProvider) Create(ctx context.Context, proj *project.Project, ticketID string) (Workspace, error) {
	dir := filepath.Join(p.workDir, proj.ID+"-"+ticketID)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := p.git.Clone(ctx, proj.GitURL, dir); err != nil {
		return nil, err
	}
	if err := p.git.Checkout(ctx, dir, proj.AgentBranch); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	containerConfig := &container.Config{
		Image: p.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			"bosun.project": proj.ID,
			"bosun.ticket":  ticketID,
		},
	}
	hostConfig := &container.HostConfig{
		AutoRemove: false,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: absDir,
			Target: "/workspace",
		}},
	}

	name := "bosun-ws-" + ticketID
	resp, err := p.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create workspace container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start workspace container: %w", err)
	}

	p.logger.Info("workspace container started",
		zap.String("container_id", resp.ID),
		zap.String("ticket_id", ticketID))
	return &containerWorkspace{
		path:        dir,
		containerID: resp.ID,
		cli:         p.cli,
		logger:      p.logger,
	}, nil
}

// NewWorkspaceProvider selects the provider from configuration.
func NewWorkspaceProvider(ctx context.Context, cfg *config.Config, git *gitops.Coordinator, log *logger.Logger) (WorkspaceProvider, error) {
	if cfg.Workers.UseContainers && cfg.Docker.Enabled {
		return NewContainerProvider(ctx, cfg.Runtime.WorkDir, cfg.Docker, git, log)
	}
	return NewDirProvider(cfg.Runtime.WorkDir, git, log), nil
}
