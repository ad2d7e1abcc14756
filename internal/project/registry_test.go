package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
)

func newRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	git := gitops.New(logger.Default())
	return NewRegistry(dir, git, logger.Default()), dir
}

func TestValidateGitURL(t *testing.T) {
	valid := []string{
		"https://github.com/org/repo.git",
		"http://git.internal/repo",
		"ssh://git@github.com/org/repo.git",
		"git@github.com:org/repo.git",
	}
	for _, u := range valid {
		assert.NoError(t, ValidateGitURL(u), u)
	}

	invalid := []string{
		"",
		"not a url",
		"ftp://example.com/repo",
		"git@github.com:", // empty path
		"https://github.com/org/repo with space",
		"/local/path/repo",
	}
	for _, u := range invalid {
		err := ValidateGitURL(u)
		require.Error(t, err, u)
		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.ErrCodeInvalidGitURL, appErr.Code)
	}
}

func TestAddProjectDefaults(t *testing.T) {
	r, _ := newRegistry(t)

	p, err := r.AddProject("api", "https://github.com/org/api.git", AddOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "main", p.BaseBranch)
	assert.Equal(t, "agent/"+p.ID, p.AgentBranch)
	assert.False(t, p.CreatedAt.IsZero())
	assert.False(t, p.LastUsed.IsZero())
}

func TestAddProjectDuplicateName(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.AddProject("api", "https://github.com/org/api.git", AddOptions{})
	require.NoError(t, err)

	_, err = r.AddProject("api", "https://github.com/org/other.git", AddOptions{})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.True(t, apperrors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeProjectExists, appErr.Code)
}

func TestAddProjectInvalidURL(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.AddProject("bad", "not a url", AddOptions{})
	require.Error(t, err)

	// Validation can be skipped explicitly.
	p, err := r.AddProject("bad", "not a url", AddOptions{SkipGitURLValidation: true})
	require.NoError(t, err)
	assert.Equal(t, "not a url", p.GitURL)
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	r, dir := newRegistry(t)

	p, err := r.AddProject("api", "git@github.com:org/api.git", AddOptions{BaseBranch: "develop"})
	require.NoError(t, err)

	fresh := NewRegistry(dir, gitops.New(logger.Default()), logger.Default())
	got, err := fresh.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "api", got.Name)
	assert.Equal(t, "develop", got.BaseBranch)

	byName, err := fresh.GetByName("api")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)
}

func TestTouchProject(t *testing.T) {
	r, _ := newRegistry(t)

	p, err := r.AddProject("api", "https://github.com/org/api.git", AddOptions{})
	require.NoError(t, err)
	before := p.LastUsed

	require.NoError(t, r.TouchProject(p.ID))
	got, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, !got.LastUsed.Before(before))

	err = r.TouchProject("missing")
	require.Error(t, err)
}

func TestClearCacheReloadsFromDisk(t *testing.T) {
	r, dir := newRegistry(t)

	_, err := r.AddProject("api", "https://github.com/org/api.git", AddOptions{})
	require.NoError(t, err)

	// Replace the registry file out of band.
	other := NewRegistry(t.TempDir(), gitops.New(logger.Default()), logger.Default())
	replacement, err := other.AddProject("replacement", "https://github.com/org/new.git", AddOptions{})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(other.path))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "projects.json"), data, 0644))

	// Cache still serves the old view until cleared.
	_, err = r.GetByName("api")
	require.NoError(t, err)

	r.ClearCache()
	_, err = r.GetByName("api")
	require.Error(t, err)
	got, err := r.GetByName("replacement")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, got.ID)
}

func TestRemoveProject(t *testing.T) {
	r, _ := newRegistry(t)

	p, err := r.AddProject("api", "https://github.com/org/api.git", AddOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Remove(p.ID))
	_, err = r.Get(p.ID)
	require.Error(t, err)

	list, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
