package executor

import (
	"fmt"
	"sync"

	"stageline/internal/cache"
	"stageline/internal/catalog"
)

// Registry resolves the executor for a stage. Explicit registrations win;
// otherwise instances come from the factory through the injected cache, so
// repeated builds reuse one executor per stage without global state.
type Registry struct {
	mu        sync.RWMutex
	overrides map[string]Executor
	factory   Factory
	instances *cache.Cache[string, Executor]
}

func NewRegistry(factory Factory, cacheSize int) *Registry {
	if cacheSize < 1 {
		cacheSize = 1
	}
	// cache.New only fails on a non-positive size
	instances, _ := cache.New[string, Executor](cacheSize)
	return &Registry{
		overrides: map[string]Executor{},
		factory:   factory,
		instances: instances,
	}
}

// Register binds a stage name to a concrete executor, bypassing the factory.
func (r *Registry) Register(stage string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[stage] = ex
}

// For returns the executor for a stage definition.
func (r *Registry) For(stage catalog.StageDef) (Executor, error) {
	r.mu.RLock()
	ex, ok := r.overrides[stage.Name]
	r.mu.RUnlock()
	if ok {
		return ex, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("no executor registered for stage %s", stage.Name)
	}
	return r.instances.GetOrCreate(stage.Name, func() (Executor, error) {
		return r.factory(stage)
	})
}

// Reset drops cached factory-built instances; registrations stay.
func (r *Registry) Reset() {
	r.instances.Clear()
}
