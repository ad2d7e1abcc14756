// Package state is the durable object store. Every write is atomic
// (temp file + rename) and guarded by a per-path lock, so a crash never
// leaves a half-written record and restarts reconstruct everything from disk.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
)

// Subdirectories of the state root.
const (
	DirWorkflows   = "workflows"
	DirTickets     = "tickets"
	DirApprovals   = "approvals"
	DirMeetings    = "meetings"
	DirKnowledge   = "knowledge-base"
	DirPerformance = "performance"
	DirWaivers     = "waivers"
)

// Store reads and writes JSON documents under a root directory.
type Store struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at stateDir.
func NewStore(stateDir string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		root:   stateDir,
		logger: log.WithFields(zap.String("component", "state")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Root returns the state directory.
func (s *Store) Root() string { return s.root }

// lock returns the mutex guarding one document path.
func (s *Store) lock(relPath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[relPath]
	if !ok {
		l = &sync.Mutex{}
		s.locks[relPath] = l
	}
	return l
}

func (s *Store) abs(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath))
}

// SaveJSON atomically writes v as indented JSON to relPath.
func (s *Store) SaveJSON(relPath string, v any) error {
	l := s.lock(relPath)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", relPath, err)
	}

	path := s.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", relPath, err)
	}
	return nil
}

// LoadJSON reads relPath into out. A missing document returns a not-found
// error; a corrupt document is a fatal state error.
func (s *Store) LoadJSON(relPath string, out any) error {
	l := s.lock(relPath)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.abs(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("state document", relPath)
		}
		return fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.InternalError(fmt.Sprintf("corrupted state file %s", relPath), err)
	}
	return nil
}

// Exists reports whether a document is on disk.
func (s *Store) Exists(relPath string) bool {
	_, err := os.Stat(s.abs(relPath))
	return err == nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(relPath string) error {
	l := s.lock(relPath)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.abs(relPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the ids (filenames without .json) in one subdirectory, sorted.
func (s *Store) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(s.abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// ListDirs returns the subdirectory names under dir, sorted.
func (s *Store) ListDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(s.abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
