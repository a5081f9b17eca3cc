package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/models"
)

var (
	// ErrNoBackend means no backend is configured for a role.
	ErrNoBackend = errors.New("no backend configured")
	// ErrCircuitOpen means every backend of a role is tripped.
	ErrCircuitOpen = errors.New("circuit open")
)

// Registry manages model backend clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*models.Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*models.Client),
	}
}

func (r *Registry) Register(name string, client *models.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

func (r *Registry) Get(name string) (*models.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildFromConfig builds backend clients from the backends config.
func BuildFromConfig(cfg *config.BackendsConfig) (*Registry, error) {
	registry := NewRegistry()
	for name, bc := range cfg.Backends {
		switch bc.Type {
		case "http", "":
			registry.Register(name, models.NewClient(name, bc))
		default:
			return nil, fmt.Errorf("backend %s: unknown type %q", name, bc.Type)
		}
	}
	return registry, nil
}

// ResolveRoute returns the backends for role in preference order, skipping
// names that are not registered and backends whose circuit is open.
func ResolveRoute(cfg *config.BackendsConfig, registry *Registry, health *HealthTracker, role string) ([]*models.Client, error) {
	route, ok := cfg.Roles[role]
	if !ok || len(route.Candidates()) == 0 {
		return nil, fmt.Errorf("%w for role %s", ErrNoBackend, role)
	}

	var out []*models.Client
	known := 0
	for _, name := range route.Candidates() {
		client, ok := registry.Get(name)
		if !ok {
			continue
		}
		known++
		if health != nil && health.State(name) == StateOpen {
			continue
		}
		out = append(out, client)
	}
	if known == 0 {
		return nil, fmt.Errorf("%w for role %s", ErrNoBackend, role)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: all %s backends unavailable", ErrCircuitOpen, role)
	}
	return out, nil
}
