package executor

import (
	"fmt"
	"sync"

	"github.com/varenne/stagehand/pkg/api"
)

type pipelineRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.PipelineDefinition
}

func newPipelineRegistry() *pipelineRegistry {
	return &pipelineRegistry{
		byName: make(map[string]api.PipelineDefinition),
	}
}

func (r *pipelineRegistry) Register(def api.PipelineDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("pipeline %q already registered", def.Name)
	}

	r.byName[def.Name] = def
	return nil
}

func (r *pipelineRegistry) Get(name string) (api.PipelineDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return api.PipelineDefinition{}, fmt.Errorf("unknown pipeline: %s", name)
	}

	return def, nil
}

type providerRegistry struct {
	mu   sync.RWMutex
	byID map[string]api.Provider
}

func newProviderRegistry() *providerRegistry {
	return &providerRegistry{
		byID: make(map[string]api.Provider),
	}
}

func (r *providerRegistry) Register(p api.Provider) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("provider must have a non-empty ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}

	r.byID[p.ID()] = p
	return nil
}

func (r *providerRegistry) Get(id string) api.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byID[id]
}
