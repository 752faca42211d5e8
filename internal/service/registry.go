// Package service manages provider discovery and tool routing.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentkernel/agentkernel/internal/types"
)

// Provider interface for service implementations
type Provider interface {
	Definition() types.Service
	Execute(ctx context.Context, toolID string, params map[string]any) (*types.Result, error)
}

// Registry manages service discovery and execution
type Registry struct {
	services sync.Map
}

// NewRegistry creates a new service registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a service provider
func (r *Registry) Register(provider Provider) error {
	def := provider.Definition()
	if def.ID == "" {
		return fmt.Errorf("service ID cannot be empty")
	}
	r.services.Store(def.ID, provider)
	return nil
}

// Get retrieves a service by ID
func (r *Registry) Get(serviceID string) (Provider, bool) {
	val, ok := r.services.Load(serviceID)
	if !ok {
		return nil, false
	}
	return val.(Provider), true
}

// List returns all registered service definitions, ordered by ID.
func (r *Registry) List() []types.Service {
	var services []types.Service
	r.services.Range(func(_, value any) bool {
		services = append(services, value.(Provider).Definition())
		return true
	})
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services
}

// Execute runs a service tool. Tool IDs are "<service>.<tool>".
func (r *Registry) Execute(ctx context.Context, toolID string, params map[string]any) (*types.Result, error) {
	parts := strings.SplitN(toolID, ".", 2)
	if len(parts) < 2 {
		return types.Failure("invalid tool ID format"), fmt.Errorf("invalid tool ID format: %s", toolID)
	}

	provider, ok := r.Get(parts[0])
	if !ok {
		return types.Failure("service not found: " + parts[0]), fmt.Errorf("service not found: %s", parts[0])
	}
	return provider.Execute(ctx, toolID, params)
}
