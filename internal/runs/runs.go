// Package runs owns the per-run artifact directory: task metadata, the
// conversation log, the quality summary, the rendered report, and the
// append-only log files the supervisor, git coordinator, and quality gate
// write into.
package runs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
)

// File names inside a run directory.
const (
	FileTask         = "task.json"
	FileConversation = "conversation.json"
	FileQuality      = "quality.json"
	FileReport       = "report.md"
	FileErrors       = "errors.log"
	DirArtifacts     = "artifacts"
)

// Manager creates and opens run directories under the configured root.
type Manager struct {
	root   string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewManager creates a run directory manager rooted at runsDir.
func NewManager(runsDir string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		root:   runsDir,
		logger: log.WithFields(zap.String("component", "runs")),
	}
}

// Root returns the runs directory root.
func (m *Manager) Root() string { return m.root }

// Run is one run directory.
type Run struct {
	ID  string
	dir string
	mu  sync.Mutex
}

// Create makes the directory tree for a new run.
func (m *Manager) Create(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.root, runID)
	if err := os.MkdirAll(filepath.Join(dir, DirArtifacts), 0o755); err != nil {
		return nil, apperrors.InternalError("failed to create run directory", err)
	}
	m.logger.Info("run directory created", zap.String("run_id", runID), zap.String("dir", dir))
	return &Run{ID: runID, dir: dir}, nil
}

// Get opens an existing run directory.
func (m *Manager) Get(runID string) (*Run, error) {
	dir := filepath.Join(m.root, runID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NotFound("run", runID)
	}
	return &Run{ID: runID, dir: dir}, nil
}

// List returns all run ids, newest directory first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to list runs", err)
	}
	type stamped struct {
		id  string
		mod time.Time
	}
	var runs []stamped
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, stamped{id: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].mod.After(runs[j].mod) })
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.id)
	}
	return ids, nil
}

// Dir returns the run directory path. Supervisor, git coordinator, and
// quality gate take this as their log directory.
func (r *Run) Dir() string { return r.dir }

// ArtifactsDir returns the artifacts subdirectory.
func (r *Run) ArtifactsDir() string { return filepath.Join(r.dir, DirArtifacts) }

func (r *Run) saveJSON(name string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.InternalError("failed to marshal "+name, err)
	}
	tmp := filepath.Join(r.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.InternalError("failed to write "+name, err)
	}
	if err := os.Rename(tmp, filepath.Join(r.dir, name)); err != nil {
		os.Remove(tmp)
		return apperrors.InternalError("failed to write "+name, err)
	}
	return nil
}

func (r *Run) loadJSON(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if os.IsNotExist(err) {
		return apperrors.NotFound("run artifact", name)
	}
	if err != nil {
		return apperrors.InternalError("failed to read "+name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.InternalError("corrupted run artifact "+name, err)
	}
	return nil
}

// SaveTask writes task.json.
func (r *Run) SaveTask(v any) error { return r.saveJSON(FileTask, v) }

// LoadTask reads task.json.
func (r *Run) LoadTask(out any) error { return r.loadJSON(FileTask, out) }

// SaveConversation writes conversation.json.
func (r *Run) SaveConversation(v any) error { return r.saveJSON(FileConversation, v) }

// SaveQuality writes quality.json.
func (r *Run) SaveQuality(v any) error { return r.saveJSON(FileQuality, v) }

// LoadQuality reads quality.json.
func (r *Run) LoadQuality(out any) error { return r.loadJSON(FileQuality, out) }

// AppendError appends one timestamped record to errors.log.
func (r *Run) AppendError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(r.dir, FileErrors), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
}

// CopyArtifact copies a changed file into artifacts/ preserving its
// workspace-relative path.
func (r *Run) CopyArtifact(srcPath, relPath string) error {
	dst := filepath.Join(r.ArtifactsDir(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperrors.InternalError("failed to create artifact directory", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return apperrors.InternalError("failed to open artifact source", err)
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return apperrors.InternalError("failed to create artifact copy", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return apperrors.InternalError("failed to copy artifact", err)
	}
	return nil
}

// ListArtifacts returns the relative paths of copied artifacts, sorted.
func (r *Run) ListArtifacts() ([]string, error) {
	root := r.ArtifactsDir()
	var paths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to list artifacts", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadReport returns report.md.
func (r *Run) ReadReport() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, FileReport))
	if os.IsNotExist(err) {
		return "", apperrors.NotFound("run artifact", FileReport)
	}
	if err != nil {
		return "", apperrors.InternalError("failed to read report", err)
	}
	return string(data), nil
}
