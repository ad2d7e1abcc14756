// Package gitops implements the git coordination layer: branch naming,
// staging, commits, merges with conflict auto-resolution, and credential
// path guarding. All operations shell out to the git binary.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
)

// Coordinator runs git operations for a workspace. One Coordinator may serve
// many repositories; the repo path travels with each call.
type Coordinator struct {
	logger *logger.Logger
	logDir string
}

// New creates a git Coordinator.
func New(log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{logger: log.WithFields(zap.String("component", "gitops"))}
}

// WithLogDir returns a Coordinator that appends an operation log to
// <logDir>/git.log. The zero value (no log dir) disables file logging.
func (c *Coordinator) WithLogDir(logDir string) *Coordinator {
	return &Coordinator{logger: c.logger, logDir: logDir}
}

// git runs a git subcommand in repoPath and returns combined trimmed stdout.
func (c *Coordinator) git(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), fmt.Errorf("git %s: %s: %w", args[0], msg, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// gitRaw is git without output trimming, for byte-exact blob reads.
func (c *Coordinator) gitRaw(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// logOp appends one line to <logDir>/git.log. No-op without a log dir.
func (c *Coordinator) logOp(op, params string, err error, elapsed time.Duration) {
	if c.logDir == "" {
		return
	}
	status := "[SUCCESS]"
	if err != nil {
		status = fmt.Sprintf("[FAILED: %v]", err)
	}
	line := fmt.Sprintf("%s [%s] %s %s [%dms]\n",
		time.Now().UTC().Format(time.RFC3339), op, params, status, elapsed.Milliseconds())
	path := filepath.Join(c.logDir, "git.log")
	f, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if ferr != nil {
		c.logger.Warn("failed to open git log", zap.String("path", path), zap.Error(ferr))
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// Clone clones a repository. The URL is checked against the credential guard
// before any disk or network activity.
func (c *Coordinator) Clone(ctx context.Context, gitURL, dest string) error {
	start := time.Now()
	var err error
	defer func() { c.logOp("clone", "url="+gitURL, err, time.Since(start)) }()

	if IsForbiddenPath(gitURL) || IsForbiddenPath(dest) {
		err = fmt.Errorf("refusing to touch forbidden credential path")
		return err
	}
	_, err = c.git(ctx, "", "clone", gitURL, dest)
	return err
}

// CreateBranch creates a branch at the current HEAD.
func (c *Coordinator) CreateBranch(ctx context.Context, repoPath, name string) error {
	start := time.Now()
	_, err := c.git(ctx, repoPath, "branch", name)
	c.logOp("createBranch", "branchName="+name, err, time.Since(start))
	return err
}

// Checkout switches the working tree to the named branch.
func (c *Coordinator) Checkout(ctx context.Context, repoPath, branch string) error {
	start := time.Now()
	_, err := c.git(ctx, repoPath, "checkout", branch)
	c.logOp("checkout", "branchName="+branch, err, time.Since(start))
	return err
}

// Pull fetches and integrates from the default remote.
func (c *Coordinator) Pull(ctx context.Context, repoPath string) error {
	start := time.Now()
	_, err := c.git(ctx, repoPath, "pull", "--ff-only")
	c.logOp("pull", "", err, time.Since(start))
	return err
}

// Stage adds paths to the index. With no paths, stages everything.
func (c *Coordinator) Stage(ctx context.Context, repoPath string, paths ...string) error {
	start := time.Now()
	args := append([]string{"add"}, paths...)
	if len(paths) == 0 {
		args = []string{"add", "-A"}
	}
	_, err := c.git(ctx, repoPath, args...)
	c.logOp("stage", fmt.Sprintf("paths=%d", len(paths)), err, time.Since(start))
	return err
}

// Commit records the staged changes and returns the new commit hash.
func (c *Coordinator) Commit(ctx context.Context, repoPath, message string) (string, error) {
	start := time.Now()
	var err error
	defer func() { c.logOp("commit", "", err, time.Since(start)) }()

	if _, err = c.git(ctx, repoPath, "commit", "-m", message); err != nil {
		return "", err
	}
	hash, herr := c.git(ctx, repoPath, "rev-parse", "HEAD")
	if herr != nil {
		return "", herr
	}
	return hash, nil
}

// Push publishes a branch to origin.
func (c *Coordinator) Push(ctx context.Context, repoPath, branch string) error {
	start := time.Now()
	_, err := c.git(ctx, repoPath, "push", "-u", "origin", branch)
	c.logOp("push", "branchName="+branch, err, time.Since(start))
	return err
}

// GetStatus returns the porcelain status of the working tree.
func (c *Coordinator) GetStatus(ctx context.Context, repoPath string) (string, error) {
	start := time.Now()
	out, err := c.git(ctx, repoPath, "status", "--porcelain")
	c.logOp("getStatus", "", err, time.Since(start))
	return out, err
}

// CurrentBranch returns the checked-out branch name.
func (c *Coordinator) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return c.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// HasChanges reports whether the working tree has uncommitted changes,
// including untracked files.
func (c *Coordinator) HasChanges(ctx context.Context, repoPath string) (bool, error) {
	out, err := c.GetStatus(ctx, repoPath)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CreateTaskBranch creates and checks out the ticket's task branch from base.
func (c *Coordinator) CreateTaskBranch(ctx context.Context, repoPath, ticketID, description, base string) (string, error) {
	start := time.Now()
	name := GenerateBranchName(ticketID, description)
	var err error
	defer func() {
		c.logOp("createTaskBranch", fmt.Sprintf("ticketId=%s branchName=%s", ticketID, name), err, time.Since(start))
	}()

	if base != "" {
		if err = c.Checkout(ctx, repoPath, base); err != nil {
			return "", err
		}
	}
	if _, err = c.git(ctx, repoPath, "checkout", "-b", name); err != nil {
		return "", err
	}
	return name, nil
}

// CommitWithTicketID stages everything and commits with the contractual
// [<ticket-id>] <description> message, returning the commit hash.
func (c *Coordinator) CommitWithTicketID(ctx context.Context, repoPath, ticketID, description string) (string, error) {
	start := time.Now()
	var err error
	defer func() {
		c.logOp("commitWithTicketId", "ticketId="+ticketID, err, time.Since(start))
	}()

	if err = c.Stage(ctx, repoPath); err != nil {
		return "", err
	}
	hash, cerr := c.Commit(ctx, repoPath, GenerateCommitMessage(ticketID, description))
	if cerr != nil {
		err = cerr
		return "", cerr
	}
	return hash, nil
}

// BranchExists reports whether a local branch exists.
func (c *Coordinator) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := c.git(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// RemoteBranchExists reports whether a branch exists on the remote.
func (c *Coordinator) RemoteBranchExists(ctx context.Context, gitURL, branch string) (bool, error) {
	out, err := c.git(ctx, "", "ls-remote", "--heads", gitURL, branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitInfo describes one commit on a branch.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Log returns the commits reachable from HEAD but not from base.
func (c *Coordinator) Log(ctx context.Context, repoPath, base string) ([]CommitInfo, error) {
	args := []string{"log", "--pretty=format:%H%x1f%s%x1f%an%x1f%aI"}
	if base != "" {
		args = append(args, base+"..HEAD")
	}
	out, err := c.git(ctx, repoPath, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, parts[3])
		commits = append(commits, CommitInfo{Hash: parts[0], Message: parts[1], Author: parts[2], Timestamp: ts})
	}
	return commits, nil
}

// ChangedFiles returns the paths changed between base and HEAD together with
// their status letter (A, M, D).
func (c *Coordinator) ChangedFiles(ctx context.Context, repoPath, base string) (map[string]string, error) {
	out, err := c.git(ctx, repoPath, "diff", "--name-status", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	files := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		files[parts[len(parts)-1]] = parts[0][:1]
	}
	return files, nil
}
