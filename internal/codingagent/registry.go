package codingagent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
)

// AgentInfo is the availability snapshot exposed by the health endpoint.
type AgentInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Available   bool   `json:"available"`
	Version     string `json:"version,omitempty"`
}

// Registry holds the installed adapters and selects one by explicit name or
// priority fallback. Availability probes are cached with a TTL because they
// shell out.
type Registry struct {
	logger   *logger.Logger
	priority []string
	probeTTL time.Duration

	mu       sync.Mutex
	adapters map[string]Adapter
	probes   map[string]probeResult
}

type probeResult struct {
	available bool
	version   string
	checkedAt time.Time
}

// NewRegistry creates a registry with the given fallback priority order.
func NewRegistry(priority []string, probeTTL time.Duration, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	if probeTTL <= 0 {
		probeTTL = 60 * time.Second
	}
	return &Registry{
		logger:   log.WithFields(zap.String("component", "codingagent-registry")),
		priority: priority,
		probeTTL: probeTTL,
		adapters: make(map[string]Adapter),
		probes:   make(map[string]probeResult),
	}
}

// NewDefaultRegistry registers the bundled adapters.
func NewDefaultRegistry(priority []string, probeTTL time.Duration, log *logger.Logger) *Registry {
	r := NewRegistry(priority, probeTTL, log)
	r.Register(NewOpenCode())
	r.Register(NewClaudeCode())
	r.Register(NewKiroCli())
	return r
}

// Register installs an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Teardown drops all adapters and cached probes.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = make(map[string]Adapter)
	r.probes = make(map[string]probeResult)
}

// probe returns the cached availability for one adapter, refreshing it when
// stale.
func (r *Registry) probe(ctx context.Context, a Adapter) probeResult {
	r.mu.Lock()
	cached, ok := r.probes[a.Name()]
	r.mu.Unlock()
	if ok && time.Since(cached.checkedAt) < r.probeTTL {
		return cached
	}

	result := probeResult{checkedAt: time.Now()}
	result.available = a.IsAvailable(ctx)
	if result.available {
		result.version = a.GetVersion(ctx)
	}

	r.mu.Lock()
	r.probes[a.Name()] = result
	r.mu.Unlock()
	return result
}

// Select returns the adapter with the given name, or the first available
// adapter in priority order when name is empty.
func (r *Registry) Select(ctx context.Context, name string) (Adapter, error) {
	r.mu.Lock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for k, v := range r.adapters {
		adapters[k] = v
	}
	r.mu.Unlock()

	if name != "" {
		a, ok := adapters[name]
		if !ok {
			return nil, &apperrors.AppError{
				Code:       apperrors.ErrCodeUnknownAgent,
				Message:    "unknown coding agent: " + name,
				HTTPStatus: 400,
			}
		}
		return a, nil
	}

	for _, candidate := range r.priority {
		a, ok := adapters[candidate]
		if !ok {
			continue
		}
		if r.probe(ctx, a).available {
			return a, nil
		}
	}
	return nil, apperrors.ServiceUnavailable("coding-agent")
}

// AnyAvailable reports whether at least one adapter is runnable.
func (r *Registry) AnyAvailable(ctx context.Context) bool {
	for _, info := range r.List(ctx) {
		if info.Available {
			return true
		}
	}
	return false
}

// List returns the availability snapshot for every adapter, in priority
// order followed by any unlisted adapters.
func (r *Registry) List(ctx context.Context) []AgentInfo {
	r.mu.Lock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for k, v := range r.adapters {
		adapters[k] = v
	}
	r.mu.Unlock()

	seen := make(map[string]bool)
	var infos []AgentInfo
	appendInfo := func(a Adapter) {
		p := r.probe(ctx, a)
		infos = append(infos, AgentInfo{
			Name:        a.Name(),
			DisplayName: a.DisplayName(),
			Available:   p.available,
			Version:     p.version,
		})
		seen[a.Name()] = true
	}

	for _, name := range r.priority {
		if a, ok := adapters[name]; ok {
			appendInfo(a)
		}
	}
	for name, a := range adapters {
		if !seen[name] {
			appendInfo(a)
		}
	}
	return infos
}
