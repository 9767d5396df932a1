package manager

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/engine"
	"predictd/internal/loader"
	"predictd/internal/pool"
	"predictd/internal/registry"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultDrainTimeout = 30 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Runtime engine.Runtime
	// Models are the startup models. They are trusted and may carry their own
	// pool sizing.
	Models []registry.Spec
	// ModelURLPattern is the allow-list for on-demand and API registrations.
	ModelURLPattern string

	DefaultMaxWorkers  int
	DefaultIdleTimeout time.Duration
	AdmissionWait      time.Duration
	DrainTimeout       time.Duration

	Publisher EventPublisher
	Logger    *zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig. Startup models are
// not loaded until LoadStartupModels is called.
func NewWithConfig(cfg ManagerConfig) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("manager: runtime is required")
	}
	m := &Manager{
		publisher:    cfg.Publisher,
		drainTimeout: cfg.DrainTimeout,
		log:          zerolog.Nop(),
		configured:   make(map[string]registry.Spec),
		startTime:    time.Now(),
	}
	// Apply defaults if unset
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Logger()
	}
	m.reg = registry.New(&m.log)
	m.pools = pool.NewManager(pool.Options{
		DefaultMaxWorkers:  cfg.DefaultMaxWorkers,
		DefaultIdleTimeout: cfg.DefaultIdleTimeout,
		AdmissionWait:      cfg.AdmissionWait,
		Logger:             &m.log,
	})
	for _, s := range cfg.Models {
		m.configured[s.Name] = s
	}
	ld, err := loader.New(loader.Options{
		Runtime:    cfg.Runtime,
		Registry:   m.reg,
		URLPattern: cfg.ModelURLPattern,
		Known:      cfg.Models,
		Logger:     &m.log,
		Hooks: loader.Hooks{
			OnStart:  m.onLoadStart,
			OnReady:  m.onLoadReady,
			OnFailed: m.onLoadFailed,
		},
	})
	if err != nil {
		_ = m.pools.Close(context.Background())
		return nil, err
	}
	m.loader = ld
	return m, nil
}
