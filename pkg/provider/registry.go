package provider

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orbitd/orbit/pkg/models"
)

// StopGrace bounds how long StopAll waits for each adapter.
const StopGrace = 5 * time.Second

// Registry owns the set of configured adapters. Registration records a
// factory only; construction and startup happen in StartAll so one broken
// adapter cannot abort the rest.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	order     []string
	factories map[string]Factory
	adapters  map[string]Adapter
	startErrs map[string]error
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
		startErrs: make(map[string]error),
	}
}

// Register records a factory for id. Later registrations for the same id
// replace earlier ones.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.factories[id]; !seen {
		r.order = append(r.order, id)
	}
	r.factories[id] = f
}

// StartAll constructs and starts every registered adapter. Failures are
// recorded per adapter and never abort the others.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range order {
		r.mu.Lock()
		factory := r.factories[id]
		r.mu.Unlock()

		adapter, err := factory(id)
		if err != nil {
			r.logger.Error("failed to construct provider adapter", "provider", id, "error", err)
			r.mu.Lock()
			r.startErrs[id] = err
			r.mu.Unlock()
			continue
		}
		if err := adapter.Start(ctx); err != nil {
			r.logger.Error("failed to start provider adapter", "provider", id, "error", err)
			r.mu.Lock()
			r.startErrs[id] = err
			r.mu.Unlock()
			continue
		}
		r.mu.Lock()
		r.adapters[id] = adapter
		delete(r.startErrs, id)
		r.mu.Unlock()
		r.logger.Info("provider adapter started", "provider", id,
			"health", adapter.Health().Status)
	}
}

// StopAll stops every running adapter concurrently, each bounded by the stop
// grace period.
func (r *Registry) StopAll() {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), StopGrace)
			defer cancel()
			if err := a.Stop(ctx); err != nil {
				r.logger.Warn("provider adapter stop failed", "provider", a.ID(), "error", err)
			}
		}(a)
	}
	wg.Wait()
}

// Get returns the running adapter for id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, ErrNotRegistered
	}
	return a, nil
}

// List returns every running adapter in registration order.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, id := range r.order {
		if a, ok := r.adapters[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// HealthAll reports health for every registered adapter, including those
// that failed construction or startup, sorted by provider id.
func (r *Registry) HealthAll() []models.ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ProviderHealth, 0, len(r.factories))
	for id := range r.factories {
		if a, ok := r.adapters[id]; ok {
			out = append(out, a.Health())
			continue
		}
		h := models.ProviderHealth{
			Provider:  id,
			Status:    models.HealthUnknown,
			LastCheck: time.Now(),
		}
		if err, failed := r.startErrs[id]; failed {
			h.Status = models.HealthUnhealthy
			h.Message = err.Error()
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
