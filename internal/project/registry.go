// Package project manages the repository registry persisted at
// <stateDir>/projects.json.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
)

// Project is one registered repository.
type Project struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	GitURL            string    `json:"gitUrl"`
	DefaultBranch     string    `json:"defaultBranch"`
	IntegrationBranch string    `json:"integrationBranch"`
	WorkDir           string    `json:"workDir"`
	BaseBranch        string    `json:"baseBranch"`
	AgentBranch       string    `json:"agentBranch"`
	CreatedAt         time.Time `json:"createdAt"`
	LastUsed          time.Time `json:"lastUsed"`
}

// AddOptions tunes project registration.
type AddOptions struct {
	BaseBranch           string
	AgentBranch          string
	WorkDir              string
	SkipGitURLValidation bool
}

// registryFile is the on-disk shape of projects.json.
type registryFile struct {
	Projects []*Project `json:"projects"`
}

// Registry loads and persists projects. The file on disk is the source of
// truth; the in-memory cache can be invalidated with ClearCache.
type Registry struct {
	path   string
	git    *gitops.Coordinator
	logger *logger.Logger

	mu     sync.Mutex
	cache  map[string]*Project // keyed by id
	byName map[string]*Project
	loaded bool
}

// NewRegistry creates a registry persisting to <stateDir>/projects.json.
func NewRegistry(stateDir string, git *gitops.Coordinator, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		path:   filepath.Join(stateDir, "projects.json"),
		git:    git,
		logger: log.WithFields(zap.String("component", "project-registry")),
	}
}

// scpLikeURL matches git@host:path with a non-empty path.
var scpLikeURL = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9._-]+:.+$`)

// ValidateGitURL accepts http(s)://, ssh://, and scp-like git@host:path URLs.
func ValidateGitURL(gitURL string) error {
	if gitURL == "" || strings.ContainsAny(gitURL, " \t\n") {
		return apperrors.InvalidGitURL(gitURL)
	}
	lower := strings.ToLower(gitURL)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "ssh://") {
		u, err := url.Parse(gitURL)
		if err != nil || u.Host == "" {
			return apperrors.InvalidGitURL(gitURL)
		}
		return nil
	}
	if scpLikeURL.MatchString(gitURL) {
		return nil
	}
	return apperrors.InvalidGitURL(gitURL)
}

// load reads projects.json into the cache. Callers hold r.mu.
func (r *Registry) load() error {
	if r.loaded {
		return nil
	}
	r.cache = make(map[string]*Project)
	r.byName = make(map[string]*Project)

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read project registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return apperrors.InternalError("corrupted project registry", err)
	}
	for _, p := range file.Projects {
		r.cache[p.ID] = p
		r.byName[p.Name] = p
	}
	r.loaded = true
	return nil
}

// save writes the cache back atomically. Callers hold r.mu.
func (r *Registry) save() error {
	file := registryFile{Projects: make([]*Project, 0, len(r.cache))}
	for _, p := range r.cache {
		file.Projects = append(file.Projects, p)
	}
	// Stable order keeps diffs readable.
	sort.Slice(file.Projects, func(i, j int) bool {
		return file.Projects[i].Name < file.Projects[j].Name
	})

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// AddProject registers a repository. Duplicate names and invalid URLs are
// rejected.
func (r *Registry) AddProject(name, gitURL string, opts AddOptions) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}

	if name == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}
	if _, exists := r.byName[name]; exists {
		return nil, apperrors.ProjectExists(name)
	}
	if !opts.SkipGitURLValidation {
		if err := ValidateGitURL(gitURL); err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	base := opts.BaseBranch
	if base == "" {
		base = "main"
	}
	agentBranch := opts.AgentBranch
	if agentBranch == "" {
		agentBranch = "agent/" + id
	}
	if !strings.HasPrefix(agentBranch, "agent/") {
		return nil, apperrors.ValidationError("agentBranch", "must be prefixed agent/")
	}

	now := time.Now().UTC()
	p := &Project{
		ID:                id,
		Name:              name,
		GitURL:            gitURL,
		DefaultBranch:     base,
		IntegrationBranch: agentBranch,
		WorkDir:           opts.WorkDir,
		BaseBranch:        base,
		AgentBranch:       agentBranch,
		CreatedAt:         now,
		LastUsed:          now,
	}
	r.cache[p.ID] = p
	r.byName[p.Name] = p

	if err := r.save(); err != nil {
		delete(r.cache, p.ID)
		delete(r.byName, p.Name)
		return nil, err
	}
	r.logger.Info("project registered", zap.String("project_id", p.ID), zap.String("name", name))
	return p, nil
}

// Get returns a project by id.
func (r *Registry) Get(id string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	p, ok := r.cache[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	return p, nil
}

// GetByName returns a project by name.
func (r *Registry) GetByName(name string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	p, ok := r.byName[name]
	if !ok {
		return nil, apperrors.NotFound("project", name)
	}
	return p, nil
}

// List returns every project, ordered by name.
func (r *Registry) List() ([]*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	out := make([]*Project, 0, len(r.cache))
	for _, p := range r.cache {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes a project.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	p, ok := r.cache[id]
	if !ok {
		return apperrors.NotFound("project", id)
	}
	delete(r.cache, id)
	delete(r.byName, p.Name)
	return r.save()
}

// TouchProject updates lastUsed.
func (r *Registry) TouchProject(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	p, ok := r.cache[id]
	if !ok {
		return apperrors.NotFound("project", id)
	}
	p.LastUsed = time.Now().UTC()
	return r.save()
}

// ClearCache drops the in-memory cache so the next read reloads from disk.
// The registry file is replaceable out of band.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.cache = nil
	r.byName = nil
}

// EnsureAgentBranch guarantees the project's agent branch exists on the
// remote, creating it from the base branch when missing.
func (r *Registry) EnsureAgentBranch(ctx context.Context, gitURL, agentBranch, baseBranch string, timeoutSeconds int) gitops.EnsureBranchResult {
	timeout := time.Duration(timeoutSeconds) * time.Second
	return r.git.EnsureRemoteBranch(ctx, gitURL, agentBranch, baseBranch, timeout)
}
