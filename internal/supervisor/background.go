package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
)

// ProcessStatus describes a background process.
type ProcessStatus string

const (
	StatusRunning ProcessStatus = "running"
	StatusStopped ProcessStatus = "stopped"
	StatusExited  ProcessStatus = "exited"
)

// maxOutputBytes bounds the accumulated output per background process.
const maxOutputBytes = 1 << 20 // 1 MiB

// boundedBuffer keeps the most recent writes up to a byte limit.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > maxOutputBytes {
		b.buf = b.buf[len(b.buf)-maxOutputBytes:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// backgroundProcess tracks one demoted server command.
type backgroundProcess struct {
	id        string
	command   string
	cmd       *exec.Cmd
	output    *boundedBuffer
	startedAt time.Time
	done      chan struct{}

	mu     sync.Mutex
	status ProcessStatus
}

func (p *backgroundProcess) setStatus(s ProcessStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *backgroundProcess) getStatus() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Registry tracks background processes by process id.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*backgroundProcess
	logger    *logger.Logger
}

// NewRegistry creates an empty background process registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		processes: make(map[string]*backgroundProcess),
		logger:    log.WithFields(zap.String("component", "supervisor-background")),
	}
}

// Start launches a command detached from the caller and returns its process id.
func (r *Registry) Start(ctx context.Context, command, cwd string, env []string) (string, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &boundedBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %q: %w", command, err)
	}

	proc := &backgroundProcess{
		id:        uuid.New().String(),
		command:   command,
		cmd:       cmd,
		output:    out,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		status:    StatusRunning,
	}

	r.mu.Lock()
	r.processes[proc.id] = proc
	r.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		// Kill marks the process stopped before Wait returns; don't overwrite.
		if proc.getStatus() == StatusRunning {
			proc.setStatus(StatusExited)
		}
		close(proc.done)
	}()

	r.logger.Info("background process started",
		zap.String("process_id", proc.id),
		zap.String("command", command))
	return proc.id, nil
}

// Kill terminates a background process: SIGTERM, then SIGKILL after the
// grace period if still alive.
func (r *Registry) Kill(processID string) error {
	r.mu.RLock()
	proc, ok := r.processes[processID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown background process: %s", processID)
	}

	if proc.getStatus() != StatusRunning {
		return nil
	}

	proc.setStatus(StatusStopped)
	_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(gracePeriod):
		_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL)
		<-proc.done
	}

	r.logger.Info("background process killed", zap.String("process_id", processID))
	return nil
}

// KillAll best-effort terminates every tracked process, ignoring ones that
// already exited.
func (r *Registry) KillAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.processes))
	for id := range r.processes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Kill(id)
	}
}

// Status returns the current status of a background process.
func (r *Registry) Status(processID string) (ProcessStatus, error) {
	r.mu.RLock()
	proc, ok := r.processes[processID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown background process: %s", processID)
	}
	return proc.getStatus(), nil
}

// Output returns the accumulated (bounded) output of a background process.
func (r *Registry) Output(processID string) (string, error) {
	r.mu.RLock()
	proc, ok := r.processes[processID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown background process: %s", processID)
	}
	return proc.output.String(), nil
}

// List returns the ids of all tracked background processes.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.processes))
	for id := range r.processes {
		ids = append(ids, id)
	}
	return ids
}
