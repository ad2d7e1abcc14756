package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/supervisor"
)

// maxReadSize caps read_file at 10 MiB.
const maxReadSize = 10 * 1024 * 1024

// Executor runs tool calls against one workspace. Every path is resolved and
// checked for workspace containment before any filesystem access.
type Executor struct {
	workspace  string
	supervisor *supervisor.Supervisor
	git        *gitops.Coordinator
	logger     *logger.Logger
	logDir     string
}

// NewExecutor creates an executor rooted at workspace.
func NewExecutor(workspace string, sup *supervisor.Supervisor, git *gitops.Coordinator, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		workspace:  workspace,
		supervisor: sup,
		git:        git,
		logger:     log.WithFields(zap.String("component", "tools")),
	}
}

// WithLogDir routes run_command logging to the run directory.
func (e *Executor) WithLogDir(dir string) *Executor {
	e.logDir = dir
	return e
}

// resolve maps a tool-supplied path into the workspace and rejects escapes.
func (e *Executor) resolve(path string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(e.workspace, full)
	}
	full = filepath.Clean(full)

	root := filepath.Clean(e.workspace)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("Access denied: path %s is outside the workspace", path)
	}
	return full, nil
}

// Execute dispatches one tool call and returns its textual result.
func (e *Executor) Execute(ctx context.Context, call *ToolCall) (string, error) {
	switch {
	case call.Read != nil:
		return e.readFile(call.Read)
	case call.Write != nil:
		return e.writeFile(call.Write)
	case call.Edit != nil:
		return e.editFile(call.Edit)
	case call.List != nil:
		return e.listDirectory(call.List)
	case call.Command != nil:
		return e.runCommand(ctx, call.Command)
	case call.GitCommit != nil:
		return e.gitCommit(ctx, call.GitCommit)
	case call.GitStatus != nil:
		return e.gitStatus(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
}

func (e *Executor) readFile(args *ReadFileArgs) (string, error) {
	full, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", args.Path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("Cannot read directory as file: %s", args.Path)
	}
	if info.Size() > maxReadSize {
		return "", fmt.Errorf("file %s exceeds the maximum readable size (%d bytes)", args.Path, maxReadSize)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", args.Path, err)
	}
	return string(data), nil
}

func (e *Executor) writeFile(args *WriteFileArgs) (string, error) {
	full, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(args.Content), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", args.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}

func (e *Executor) editFile(args *EditFileArgs) (string, error) {
	full, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", args.Path, err)
	}

	edited, err := ApplyEdits(string(data), args.Edits)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(full, []byte(edited), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", args.Path, err)
	}
	return fmt.Sprintf("applied %d edits to %s", len(args.Edits), args.Path), nil
}

func (e *Executor) listDirectory(args *ListDirectoryArgs) (string, error) {
	full, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", args.Path, err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		row := DirEntry{Name: entry.Name()}
		switch {
		case entry.IsDir():
			row.Type = "directory"
		case entry.Type()&os.ModeSymlink != 0:
			row.Type = "symlink"
		case entry.Type().IsRegular():
			row.Type = "file"
		default:
			row.Type = "other"
		}
		if info, err := entry.Info(); err == nil {
			if row.Type == "file" {
				row.Size = info.Size()
			}
			row.ModifiedAt = info.ModTime().UTC().Format(time.RFC3339)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Executor) runCommand(ctx context.Context, args *RunCommandArgs) (string, error) {
	result := e.supervisor.Execute(ctx, args.Command, supervisor.ExecOptions{
		Cwd:            e.workspace,
		TimeoutSeconds: args.TimeoutSeconds,
		LogDir:         e.logDir,
	})

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Executor) gitCommit(ctx context.Context, args *GitCommitArgs) (string, error) {
	if err := e.git.Stage(ctx, e.workspace, args.Files...); err != nil {
		return "", err
	}
	hash, err := e.git.Commit(ctx, e.workspace, args.Message)
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (e *Executor) gitStatus(ctx context.Context) (string, error) {
	return e.git.GetStatus(ctx, e.workspace)
}
