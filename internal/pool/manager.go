package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"predictd/pkg/types"
)

const (
	// DefaultPoolName names the shared pool used by models without a dedicated one.
	DefaultPoolName = "default"
	// DefaultMaxWorkers is the ceiling of the shared pool.
	DefaultMaxWorkers = 5
	// DefaultIdleTimeout is how long an idle worker above the floor lingers.
	DefaultIdleTimeout = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	DefaultMaxWorkers  int
	DefaultIdleTimeout time.Duration
	AdmissionWait      time.Duration
	Logger             *zerolog.Logger
}

// Manager owns the shared default pool and one dedicated pool per model that
// asks for one.
type Manager struct {
	mu      sync.RWMutex
	def     *Pool
	pools   map[string]*Pool
	retired []*Pool
	opts    Options
	log     zerolog.Logger
}

// NewManager starts the default pool (no warm workers).
func NewManager(opts Options) *Manager {
	if opts.DefaultMaxWorkers <= 0 {
		opts.DefaultMaxWorkers = DefaultMaxWorkers
	}
	if opts.DefaultIdleTimeout <= 0 {
		opts.DefaultIdleTimeout = DefaultIdleTimeout
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}
	m := &Manager{pools: make(map[string]*Pool), opts: opts, log: l}
	m.def = New(Spec{
		Name:          DefaultPoolName,
		MinWorkers:    0,
		MaxWorkers:    opts.DefaultMaxWorkers,
		IdleTimeout:   opts.DefaultIdleTimeout,
		AdmissionWait: opts.AdmissionWait,
	}, l)
	return m
}

// Default returns the shared pool.
func (m *Manager) Default() *Pool { return m.def }

// PoolFor returns the dedicated pool of model, or the default pool.
func (m *Manager) PoolFor(model string) *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pools[model]; ok {
		return p
	}
	return m.def
}

// HasPool reports whether model has a dedicated pool.
func (m *Manager) HasPool(model string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pools[model]
	return ok
}

// RegisterPool installs a dedicated pool for spec.Name. An existing pool for
// the same model is retired: its running tasks finish, new submissions go to
// the replacement. AdmissionWait is taken from the manager options when unset.
func (m *Manager) RegisterPool(spec Spec) *Pool {
	if spec.AdmissionWait == 0 {
		spec.AdmissionWait = m.opts.AdmissionWait
	}
	p := New(spec, m.log)
	m.mu.Lock()
	old := m.pools[spec.Name]
	m.pools[spec.Name] = p
	if old != nil {
		m.retired = append(m.retired, old)
	}
	m.mu.Unlock()
	if old != nil {
		m.retire(old)
		m.log.Info().Str("model", spec.Name).Msg("pool replaced")
	}
	m.log.Info().
		Str("model", spec.Name).
		Int("min_workers", p.spec.MinWorkers).
		Int("max_workers", p.spec.MaxWorkers).
		Dur("idle_timeout", p.spec.IdleTimeout).
		Msg("pool registered")
	return p
}

// Dedicated returns the dedicated pool of model, or nil.
func (m *Manager) Dedicated(model string) *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[model]
}

// UnregisterPool retires the dedicated pool of model, if any.
func (m *Manager) UnregisterPool(model string) bool {
	return m.RemovePool(model, nil)
}

// RemovePool retires the dedicated pool of model only while it is still
// expected. A nil expected matches whatever pool is installed.
func (m *Manager) RemovePool(model string, expected *Pool) bool {
	m.mu.Lock()
	p, ok := m.pools[model]
	if ok && expected != nil && p != expected {
		ok = false
	}
	if ok {
		delete(m.pools, model)
		m.retired = append(m.retired, p)
	}
	m.mu.Unlock()
	if ok {
		m.retire(p)
		m.log.Info().Str("model", model).Msg("pool unregistered")
	}
	return ok
}

// retire stops p and forgets it once its workers are gone. p must already be
// in m.retired.
func (m *Manager) retire(p *Pool) {
	p.Retire()
	go func() {
		_ = p.Wait(context.Background())
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, r := range m.retired {
			if r == p {
				m.retired = append(m.retired[:i], m.retired[i+1:]...)
				return
			}
		}
	}()
}

// Retiring returns the number of retired pools whose workers are still running.
func (m *Manager) Retiring() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.retired)
}

// Status lists every live pool, default first, then by name.
func (m *Manager) Status() []types.PoolStatus {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	out := make([]types.PoolStatus, 0, len(pools)+1)
	out = append(out, m.def.Status())
	for _, p := range pools {
		out = append(out, p.Status())
	}
	return out
}

// Close retires every pool and waits for their workers to exit.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := append([]*Pool{m.def}, m.retired...)
	for _, p := range m.pools {
		all = append(all, p)
	}
	m.pools = make(map[string]*Pool)
	m.retired = nil
	m.mu.Unlock()
	for _, p := range all {
		p.Retire()
	}
	for _, p := range all {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
