// Package codingagent wraps external coding-agent CLIs (opencode, claude,
// kiro) behind one adapter capability with priority fallback and TTL-cached
// availability probes.
package codingagent

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExecuteRequest is one coding-agent invocation.
type ExecuteRequest struct {
	WorkingDirectory string
	Prompt           string
	Timeout          time.Duration
	Env              map[string]string
}

// ExecuteResult is the outcome of one invocation.
type ExecuteResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
}

// Adapter is the capability set every coding-agent wrapper provides.
type Adapter interface {
	// Execute runs the agent CLI in the working directory with the prompt.
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)

	// IsAvailable probes whether the CLI is installed and runnable.
	IsAvailable(ctx context.Context) bool

	// GetVersion returns the CLI's reported version, best effort.
	GetVersion(ctx context.Context) string

	// Name is the registry key (opencode, claude, kiro).
	Name() string

	// DisplayName is the human-readable name.
	DisplayName() string
}

// cliAdapter is the shared implementation: each agent differs only in binary
// name and argument shape.
type cliAdapter struct {
	name        string
	displayName string
	binary      string
	// buildArgs turns a prompt into the CLI invocation arguments.
	buildArgs func(prompt string) []string
	// versionArgs is the probe invocation.
	versionArgs []string
}

func (a *cliAdapter) Name() string        { return a.name }
func (a *cliAdapter) DisplayName() string { return a.displayName }

func (a *cliAdapter) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.binary, a.buildArgs(req.Prompt)...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := &ExecuteResult{Output: out.String()}
	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = 124
		return result, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *cliAdapter) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(a.binary); err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(probeCtx, a.binary, a.versionArgs...).Run() == nil
}

func (a *cliAdapter) GetVersion(ctx context.Context) string {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, a.binary, a.versionArgs...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
}

// NewOpenCode wraps the opencode CLI.
func NewOpenCode() Adapter {
	return &cliAdapter{
		name:        "opencode",
		displayName: "OpenCode",
		binary:      "opencode",
		buildArgs:   func(prompt string) []string { return []string{"run", prompt} },
		versionArgs: []string{"--version"},
	}
}

// NewClaudeCode wraps the claude CLI.
func NewClaudeCode() Adapter {
	return &cliAdapter{
		name:        "claude",
		displayName: "Claude Code",
		binary:      "claude",
		buildArgs:   func(prompt string) []string { return []string{"-p", prompt} },
		versionArgs: []string{"--version"},
	}
}

// NewKiroCli wraps the kiro CLI.
func NewKiroCli() Adapter {
	return &cliAdapter{
		name:        "kiro",
		displayName: "Kiro CLI",
		binary:      "kiro",
		buildArgs:   func(prompt string) []string { return []string{"exec", "--prompt", prompt} },
		versionArgs: []string{"--version"},
	}
}
