package gitops

import (
	"context"
	"os"
	"time"
)

// EnsureBranchResult reports the outcome of EnsureRemoteBranch. Exists and
// Created are mutually exclusive when Success is true; both are false on
// failure.
type EnsureBranchResult struct {
	Success    bool   `json:"success"`
	Exists     bool   `json:"exists"`
	Created    bool   `json:"created"`
	BranchName string `json:"branchName"`
	Error      string `json:"error,omitempty"`
}

// EnsureRemoteBranch guarantees that branch exists on the remote, creating it
// from base through a shallow throwaway clone when missing. A push permission
// failure is reported, not retried; the branch is never created locally only.
func (c *Coordinator) EnsureRemoteBranch(ctx context.Context, gitURL, branch, base string, timeout time.Duration) EnsureBranchResult {
	start := time.Now()
	result := EnsureBranchResult{BranchName: branch}
	var opErr error
	defer func() {
		c.logOp("ensureAgentBranch", "url="+gitURL+" branchName="+branch, opErr, time.Since(start))
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exists, err := c.RemoteBranchExists(ctx, gitURL, branch)
	if err != nil {
		opErr = err
		result.Error = err.Error()
		return result
	}
	if exists {
		result.Success = true
		result.Exists = true
		return result
	}

	tmp, err := os.MkdirTemp("", "bosun-branch-*")
	if err != nil {
		opErr = err
		result.Error = err.Error()
		return result
	}
	defer os.RemoveAll(tmp)

	if _, err := c.git(ctx, "", "clone", "--depth", "1", "--branch", base, gitURL, tmp); err != nil {
		opErr = err
		result.Error = err.Error()
		return result
	}
	if _, err := c.git(ctx, tmp, "checkout", "-b", branch); err != nil {
		opErr = err
		result.Error = err.Error()
		return result
	}
	if _, err := c.git(ctx, tmp, "push", "-u", "origin", branch); err != nil {
		opErr = err
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.Created = true
	return result
}
