// Package supervisor runs shell commands on behalf of worker agents.
//
// It enforces the execution policy for agent-issued commands: interactive
// programs are rejected before launch, server-style commands are demoted to
// tracked background processes, and everything else runs under a timeout
// with graceful termination.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
)

// RejectionInteractive is the rejection reason recorded when an interactive
// command is refused.
const RejectionInteractive = "interactive_command"

// timeoutExitCode mirrors the shell convention for killed-by-timeout.
const timeoutExitCode = 124

// gracePeriod is how long a timed-out process gets between SIGTERM and SIGKILL.
const gracePeriod = 5 * time.Second

// CommandResult is the outcome of a supervised command execution.
type CommandResult struct {
	ExitCode            int    `json:"exitCode"`
	Stdout              string `json:"stdout"`
	Stderr              string `json:"stderr"`
	TimedOut            bool   `json:"timedOut"`
	Rejected            bool   `json:"rejected,omitempty"`
	RejectionReason     string `json:"rejectionReason,omitempty"`
	BackgroundProcessID string `json:"backgroundProcessId,omitempty"`
}

// ExecOptions controls a single execution.
type ExecOptions struct {
	Cwd            string
	Env            []string
	TimeoutSeconds int
	// LogDir is the run directory receiving commands.log. Empty disables logging.
	LogDir string
}

// Supervisor executes commands with the configured policy.
type Supervisor struct {
	cfg        config.SupervisorConfig
	logger     *logger.Logger
	background *Registry
}

// New creates a Supervisor. Empty classifier sets in cfg fall back to the
// built-in defaults.
func New(cfg config.SupervisorConfig, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "supervisor")),
		background: NewRegistry(log),
	}
}

// Background exposes the background process registry.
func (s *Supervisor) Background() *Registry {
	return s.background
}

// Execute runs a command and returns its result. It never returns an error
// for command-level failures: rejections, timeouts, and non-zero exits are
// all reported through the CommandResult.
func (s *Supervisor) Execute(ctx context.Context, command string, opts ExecOptions) CommandResult {
	start := time.Now()

	if s.IsInteractiveCommand(command) {
		res := CommandResult{
			ExitCode:        1,
			Rejected:        true,
			RejectionReason: RejectionInteractive,
			Stderr: fmt.Sprintf("command %q was not executed: interactive programs cannot run inside an agent session. "+
				"Use a non-interactive alternative (for example a file argument or -e/-c evaluation).", firstToken(command)),
		}
		s.logCommand(opts.LogDir, command, opts.Cwd, fmt.Sprintf("[REJECTED: %s]", RejectionInteractive), time.Since(start))
		return res
	}

	if s.IsServerCommand(command) {
		id, err := s.background.Start(ctx, command, opts.Cwd, opts.Env)
		if err != nil {
			res := CommandResult{ExitCode: 1, Stderr: fmt.Sprintf("failed to start background process: %v", err)}
			s.logCommand(opts.LogDir, command, opts.Cwd, fmt.Sprintf("[exit: %d]", res.ExitCode), time.Since(start))
			return res
		}
		s.logger.Info("server command demoted to background",
			zap.String("command", command),
			zap.String("process_id", id))
		s.logCommand(opts.LogDir, command, opts.Cwd, fmt.Sprintf("[background: %s]", id), time.Since(start))
		return CommandResult{ExitCode: 0, BackgroundProcessID: id}
	}

	res := s.run(ctx, command, opts)

	status := fmt.Sprintf("[exit: %d]", res.ExitCode)
	if res.TimedOut {
		status = "[TIMEOUT]"
	}
	s.logCommand(opts.LogDir, command, opts.Cwd, status, time.Since(start))
	return res
}

// run executes a non-interactive, non-server command under the timeout policy.
func (s *Supervisor) run(ctx context.Context, command string, opts ExecOptions) CommandResult {
	timeout := s.cfg.DefaultTimeout()
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	// Own process group so terminate/kill reaches shell children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return CommandResult{ExitCode: 1, Stderr: fmt.Sprintf("failed to start command: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	terminate := func() {
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(gracePeriod):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
	}

	select {
	case err := <-done:
		return CommandResult{
			ExitCode: exitCode(err),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	case <-timer.C:
		terminate()
		return CommandResult{
			ExitCode: timeoutExitCode,
			TimedOut: true,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	case <-ctx.Done():
		terminate()
		return CommandResult{
			ExitCode: timeoutExitCode,
			TimedOut: true,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
}

// exitCode extracts the process exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// logCommand appends one line to <logDir>/commands.log. No-op without a log dir.
func (s *Supervisor) logCommand(logDir, command, cwd, status string, elapsed time.Duration) {
	if logDir == "" {
		return
	}
	line := fmt.Sprintf("%s %s cwd=%s %s [%dms]\n",
		time.Now().UTC().Format(time.RFC3339), command, cwd, status, elapsed.Milliseconds())
	path := filepath.Join(logDir, "commands.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.logger.Warn("failed to open command log", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		s.logger.Warn("failed to append command log", zap.String("path", path), zap.Error(err))
	}
}
