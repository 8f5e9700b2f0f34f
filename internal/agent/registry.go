package agent

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/joescharf/taskrun/internal/models"
)

// Registry holds the discovered agent identities.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]models.AgentIdentity
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]models.AgentIdentity)}
}

// Register adds an identity. Identities are immutable, so registering an id
// twice is an error.
func (r *Registry) Register(a models.AgentIdentity) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("agent %s already registered", a.ID)
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	r.agents[a.ID] = a
	return nil
}

// Get returns the identity for id.
func (r *Registry) Get(id string) (models.AgentIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all identities sorted by id.
func (r *Registry) List() []models.AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentIdentity, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookPathFunc resolves an executable name.
type LookPathFunc func(file string) (string, error)

// Skipped is a configured identity that discovery rejected.
type Skipped struct {
	ID     string
	Reason string
}

// Discover registers every definition whose executable resolves. lookPath
// defaults to exec.LookPath.
func Discover(defs []models.AgentIdentity, lookPath LookPathFunc) (*Registry, []Skipped) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	r := NewRegistry()
	var skipped []Skipped
	for _, def := range defs {
		cmd := def.Command
		if cmd == "" && def.Backend == BackendClaude {
			cmd = "claude"
		}
		if cmd == "" {
			skipped = append(skipped, Skipped{ID: def.ID, Reason: "no command configured"})
			continue
		}
		if _, err := lookPath(cmd); err != nil {
			skipped = append(skipped, Skipped{ID: def.ID, Reason: fmt.Sprintf("%s not found", cmd)})
			continue
		}
		if err := r.Register(def); err != nil {
			skipped = append(skipped, Skipped{ID: def.ID, Reason: err.Error()})
		}
	}
	return r, skipped
}
