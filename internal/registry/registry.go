// Package registry owns the mapping from model name to loaded model handle and
// the lifecycle of each entry. Every mutation happens under one mutex so that
// load reservations, completions and removals are atomic with respect to
// concurrent lookups.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/engine"
	"predictd/pkg/types"
)

// State is the lifecycle state of a registry entry.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

var (
	ErrNotFound   = errors.New("model not found in registry")
	ErrNotReady   = errors.New("model is not ready")
	ErrNotLoading = errors.New("model has no load in progress")
)

// drainPoll is how often Unregister re-checks the in-flight count.
const drainPoll = 10 * time.Millisecond

// Spec is the static description of a model: where it comes from and how its
// dedicated pool is sized. MaxWorkers == 0 means the default pool serves it.
type Spec struct {
	Name          string
	URL           string
	MinWorkers    int
	MaxWorkers    int
	MaxBatchDelay time.Duration
}

// Dedicated reports whether the spec asks for its own worker pool.
func (s Spec) Dedicated() bool { return s.MaxWorkers > 0 }

// Model is a registry entry. All mutable fields are guarded by the owning
// registry's mutex; read them through the accessor methods.
type Model struct {
	reg *Registry

	spec     Spec
	state    State
	engine   engine.Model
	err      error
	refs     int
	draining bool
	loadedAt time.Time
	lastUsed time.Time
	load     *Load
}

// Name returns the model name.
func (m *Model) Name() string { return m.spec.Name }

// Spec returns the current spec.
func (m *Model) Spec() Spec {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.spec
}

// State returns the current lifecycle state.
func (m *Model) State() State {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.state
}

// Engine returns the loaded runtime model, or nil unless the entry is ready.
func (m *Model) Engine() engine.Model {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.engine
}

// Err returns the load error of a failed entry.
func (m *Model) Err() error {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.err
}

// Pending returns the load future of the entry. It is resolved unless the
// entry is loading.
func (m *Model) Pending() *Load {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.load
}

// Inflight returns the number of outstanding Acquire references.
func (m *Model) Inflight() int {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.refs
}

// Release returns a reference obtained from Registry.Acquire.
func (m *Model) Release() {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	if m.refs <= 0 {
		m.reg.log.Error().Str("model", m.spec.Name).Msg("registry release without matching acquire")
		return
	}
	m.refs--
}

// Registry maps model names to entries.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	log    zerolog.Logger
}

// New constructs an empty registry. A nil logger disables logging.
func New(logger *zerolog.Logger) *Registry {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Registry{models: make(map[string]*Model), log: l}
}

// Lookup returns the entry for name without triggering a load.
func (r *Registry) Lookup(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// BeginLoad reserves a loading slot for spec.Name. When another load for the
// name is already underway, or the model is ready, it returns that shared
// future and owner=false. Otherwise it installs a loading placeholder
// (replacing a failed entry) and returns owner=true: the caller must later
// call CompleteLoad exactly once.
func (r *Registry) BeginLoad(spec Spec) (*Load, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[spec.Name]; ok {
		switch m.state {
		case StateLoading:
			return m.load, false
		case StateReady:
			return resolved(m), false
		}
	}
	m := &Model{
		reg:   r,
		spec:  spec,
		state: StateLoading,
		load:  newLoad(spec.Name),
	}
	r.models[spec.Name] = m
	r.log.Debug().Str("model", spec.Name).Str("url", spec.URL).Msg("registry load reserved")
	return m.load, true
}

// CompleteLoad finishes the load reserved by BeginLoad. A nil loadErr moves
// the entry to ready and stores em; otherwise the entry becomes failed. Every
// waiter on the shared future observes the same outcome. The failed entry is
// kept for status reporting but does not block the next BeginLoad.
func (r *Registry) CompleteLoad(name string, em engine.Model, loadErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[name]
	if !ok || m.state != StateLoading {
		return fmt.Errorf("%w: %s", ErrNotLoading, name)
	}
	if loadErr == nil && em == nil {
		loadErr = errors.New("runtime returned no model")
	}
	if loadErr != nil {
		m.state = StateFailed
		m.err = loadErr
		m.load.resolve(nil, loadErr)
		return nil
	}
	now := time.Now()
	m.state = StateReady
	m.engine = em
	m.err = nil
	m.loadedAt = now
	m.lastUsed = now
	m.load.resolve(m, nil)
	return nil
}

// Acquire borrows a reference to a ready model. The reference keeps the model
// from being closed by Unregister until Release is called.
func (r *Registry) Acquire(name string) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.state != StateReady || m.draining {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotReady, name, m.state)
	}
	m.refs++
	m.lastUsed = time.Now()
	return m, nil
}

// Reconfigure updates the pool sizing of a registered model.
func (r *Registry) Reconfigure(name string, minWorkers, maxWorkers int, maxBatchDelay time.Duration) (Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.spec.MinWorkers = minWorkers
	m.spec.MaxWorkers = maxWorkers
	m.spec.MaxBatchDelay = maxBatchDelay
	return m.spec, nil
}

// Unregister removes name so that no new lookup or Acquire can see it, then
// waits until every outstanding reference is released before closing the
// runtime model. If ctx ends first, Unregister returns ctx.Err() and the
// runtime model is closed in the background once the last reference is gone.
func (r *Registry) Unregister(ctx context.Context, name string) (*Model, error) {
	r.mu.Lock()
	m, ok := r.models[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.state == StateLoading {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is still loading", ErrNotReady, name)
	}
	delete(r.models, name)
	m.draining = true
	r.mu.Unlock()

	if err := r.drain(ctx, m); err != nil {
		r.log.Warn().Str("model", name).Int("inflight", m.Inflight()).Msg("registry drain timed out")
		go func() {
			_ = r.drain(context.Background(), m)
			r.closeEngine(m)
		}()
		return m, err
	}
	r.closeEngine(m)
	return m, nil
}

func (r *Registry) drain(ctx context.Context, m *Model) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for m.Inflight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (r *Registry) closeEngine(m *Model) {
	r.mu.Lock()
	em := m.engine
	m.engine = nil
	r.mu.Unlock()
	if em == nil {
		return
	}
	if err := em.Close(); err != nil {
		r.log.Warn().Err(err).Str("model", m.spec.Name).Msg("registry model close failed")
	}
}

// ReadyNames returns the names of ready models, sorted.
func (r *Registry) ReadyNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for name, m := range r.models {
		if m.state == StateReady {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of entries in each state.
func (r *Registry) Counts() (ready, loading, failed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		switch m.state {
		case StateReady:
			ready++
		case StateLoading:
			loading++
		case StateFailed:
			failed++
		}
	}
	return ready, loading, failed
}

// List returns a copy of every entry sorted by name.
func (r *Registry) List() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Model, 0, len(r.models))
	for _, m := range r.models {
		tm := types.Model{
			Name:            m.spec.Name,
			URL:             m.spec.URL,
			State:           string(m.state),
			MinWorkers:      m.spec.MinWorkers,
			MaxWorkers:      m.spec.MaxWorkers,
			MaxBatchDelayMS: m.spec.MaxBatchDelay.Milliseconds(),
			Inflight:        m.refs,
			Pool:            "default",
		}
		if m.spec.Dedicated() {
			tm.Pool = "dedicated"
		}
		if !m.loadedAt.IsZero() {
			tm.LoadedAt = m.loadedAt.Unix()
			tm.LastUsed = m.lastUsed.Unix()
		}
		if m.err != nil {
			tm.Error = m.err.Error()
		}
		out = append(out, tm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
