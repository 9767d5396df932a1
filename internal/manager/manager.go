package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/loader"
	"predictd/internal/pool"
	"predictd/internal/registry"
	"predictd/pkg/types"
)

type Manager struct {
	reg       *registry.Registry
	pools     *pool.Manager
	loader    *loader.Loader
	publisher EventPublisher
	log       zerolog.Logger

	drainTimeout time.Duration
	startTime    time.Time
	inflight     atomic.Int64
	closed       atomic.Bool

	mu         sync.RWMutex
	configured map[string]registry.Spec
}

// Ready reports whether every configured startup model is ready. A manager
// without startup models is ready as soon as it is constructed.
func (m *Manager) Ready() bool {
	if m.closed.Load() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name := range m.configured {
		h, ok := m.reg.Lookup(name)
		if !ok || h.State() != registry.StateReady {
			return false
		}
	}
	return true
}

// ListModels returns every registry entry sorted by name.
func (m *Manager) ListModels() []types.Model {
	return m.reg.List()
}

// Model returns the entry for name.
func (m *Manager) Model(name string) (types.Model, bool) {
	for _, tm := range m.reg.List() {
		if tm.Name == name {
			return tm, true
		}
	}
	return types.Model{}, false
}

// LoadStartupModels loads every configured model on the loading lane and
// waits for all of them. Failures are joined; a failed model stays in the
// registry as failed and is retried on its next request.
func (m *Manager) LoadStartupModels(ctx context.Context) error {
	m.mu.RLock()
	specs := make([]registry.Spec, 0, len(m.configured))
	for _, s := range m.configured {
		specs = append(specs, s)
	}
	m.mu.RUnlock()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	loads := make([]*registry.Load, 0, len(specs))
	for _, s := range specs {
		loads = append(loads, m.loader.Load(s))
	}
	var errs []error
	for _, ld := range loads {
		if _, err := ld.Wait(ctx); err != nil {
			errs = append(errs, classify(ld.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops loading, retires every pool after running predictions finish
// and frees all loaded models. ctx bounds the whole shutdown.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.loader.Close()
	var errs []error
	if err := m.pools.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, tm := range m.reg.List() {
		if tm.State == string(registry.StateLoading) {
			continue
		}
		if _, err := m.reg.Unregister(ctx, tm.Name); err != nil && !errors.Is(err, registry.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyPool brings the pool layout for spec in line with its sizing.
func (m *Manager) applyPool(spec registry.Spec) {
	if !spec.Dedicated() {
		m.pools.UnregisterPool(spec.Name)
		return
	}
	m.pools.RegisterPool(pool.Spec{
		Name:        spec.Name,
		MinWorkers:  spec.MinWorkers,
		MaxWorkers:  spec.MaxWorkers,
		IdleTimeout: spec.MaxBatchDelay,
	})
	m.publisher.Publish(Event{Name: EventPoolRegistered, Model: spec.Name, Fields: map[string]any{
		"min_workers": spec.MinWorkers,
		"max_workers": spec.MaxWorkers,
	}})
}

func (m *Manager) onLoadStart(spec registry.Spec) {
	m.publisher.Publish(Event{Name: EventLoadStart, Model: spec.Name, Fields: map[string]any{"url": spec.URL}})
}

func (m *Manager) onLoadReady(spec registry.Spec) {
	m.applyPool(spec)
	loadsTotal.WithLabelValues("ready").Inc()
	m.publisher.Publish(Event{Name: EventLoadReady, Model: spec.Name, Fields: map[string]any{}})
}

func (m *Manager) onLoadFailed(spec registry.Spec, err error) {
	loadsTotal.WithLabelValues("failed").Inc()
	m.publisher.Publish(Event{Name: EventLoadFailed, Model: spec.Name, Fields: map[string]any{"error": err.Error()}})
}
