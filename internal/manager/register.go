package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"predictd/internal/registry"
	"predictd/pkg/types"
)

// Register loads a model synchronously and sets up its pool. Registering a
// ready model again with the same URL only applies the new pool sizing; a
// different URL is a conflict. A load already underway for the name is
// awaited first and the request is then applied to its outcome. URLs must
// pass the allow-list unless the model is declared in configuration with that
// URL.
func (m *Manager) Register(ctx context.Context, req types.RegisterRequest) (types.Model, error) {
	if req.Name == "" {
		return types.Model{}, &Error{Kind: KindModelNameRequired}
	}
	spec := registry.Spec{
		Name:          req.Name,
		URL:           req.URL,
		MinWorkers:    req.MinWorkers,
		MaxWorkers:    req.MaxWorkers,
		MaxBatchDelay: time.Duration(req.MaxBatchDelayMS) * time.Millisecond,
	}
	known, isKnown := m.loader.Known(req.Name)
	if spec.URL == "" && isKnown {
		spec.URL = known.URL
	}
	if spec.URL == "" {
		return types.Model{}, &Error{Kind: KindModelNotFound, Model: req.Name, Err: errors.New("url is required")}
	}
	if !(isKnown && known.URL == spec.URL) && !m.loader.AllowsURL(spec.URL) {
		return types.Model{}, &Error{Kind: KindPermissionDenied, Model: req.Name, Err: fmt.Errorf("url %s not allowed", spec.URL)}
	}

	for {
		h, ok := m.reg.Lookup(req.Name)
		if ok {
			switch h.State() {
			case registry.StateReady:
				return m.reconfigure(h, spec)
			case registry.StateLoading:
				// Another load owns the name. Settle it, then apply this request.
				if _, err := h.Pending().Wait(ctx); err != nil && ctx.Err() != nil {
					return types.Model{}, classify(req.Name, ctx.Err())
				}
				continue
			}
		}
		mdl, err := m.loader.Load(spec).Wait(ctx)
		if err != nil {
			return types.Model{}, classify(req.Name, err)
		}
		if mdl.Spec() != spec {
			// A concurrent load won the slot; reconcile against it.
			continue
		}
		tm, ok := m.Model(req.Name)
		if !ok {
			return types.Model{}, ErrModelNotFound(req.Name)
		}
		return tm, nil
	}
}

// reconfigure applies the sizing of spec to the ready model h.
func (m *Manager) reconfigure(h *registry.Model, spec registry.Spec) (types.Model, error) {
	if cur := h.Spec(); cur.URL != spec.URL {
		return types.Model{}, &Error{Kind: KindConflict, Model: spec.Name, Err: fmt.Errorf("already registered from %s", cur.URL)}
	}
	updated, err := m.reg.Reconfigure(spec.Name, spec.MinWorkers, spec.MaxWorkers, spec.MaxBatchDelay)
	if err != nil {
		return types.Model{}, classify(spec.Name, err)
	}
	m.applyPool(updated)
	tm, _ := m.Model(spec.Name)
	return tm, nil
}

// Unregister removes a model. New requests stop seeing it immediately;
// in-flight predictions are given up to the drain timeout to finish before
// the runtime model is freed. The dedicated pool is torn down afterwards
// unless a new registration of the name has replaced it meanwhile.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	if name == "" {
		return &Error{Kind: KindModelNameRequired}
	}
	ctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()

	if h, ok := m.reg.Lookup(name); ok && h.State() == registry.StateLoading {
		return &Error{Kind: KindConflict, Model: name, Err: errors.New("model is still loading")}
	}
	// Requests arriving during the drain must not load the model again.
	m.loader.Forget(name)
	m.mu.Lock()
	delete(m.configured, name)
	m.mu.Unlock()

	m.publisher.Publish(Event{Name: EventUnregisterStart, Model: name, Fields: map[string]any{}})
	// The name may be registered again while this entry drains; only the pool
	// that served this entry is torn down.
	dedicated := m.pools.Dedicated(name)
	h, err := m.reg.Unregister(ctx, name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return ErrModelNotFound(name)
	case errors.Is(err, registry.ErrNotReady):
		return &Error{Kind: KindConflict, Model: name, Err: err}
	case err != nil:
		inflight := 0
		if h != nil {
			inflight = h.Inflight()
		}
		m.publisher.Publish(Event{Name: EventUnregisterTimeout, Model: name, Fields: map[string]any{"inflight": inflight}})
		m.log.Warn().Str("model", name).Int("inflight", inflight).Msg("unregister drain timed out; model freed when last request ends")
	}
	if dedicated != nil {
		m.pools.RemovePool(name, dedicated)
	}
	m.publisher.Publish(Event{Name: EventUnregisterDone, Model: name, Fields: map[string]any{}})
	return nil
}

// Reconcile applies a new set of configured models: the loader trusts the new
// set, ready models get their pool sizing updated, new models are loaded and
// models dropped from configuration are unregistered.
func (m *Manager) Reconcile(ctx context.Context, specs []registry.Spec) error {
	next := make(map[string]registry.Spec, len(specs))
	for _, s := range specs {
		next[s.Name] = s
	}
	m.mu.Lock()
	prev := m.configured
	m.configured = next
	m.mu.Unlock()
	m.loader.SetKnown(specs)

	var errs []error
	for name := range prev {
		if _, ok := next[name]; ok {
			continue
		}
		if err := m.Unregister(ctx, name); err != nil && !IsModelNotFound(err) {
			errs = append(errs, err)
		}
	}
	var loads []*registry.Load
	for _, s := range specs {
		h, ok := m.reg.Lookup(s.Name)
		if ok && h.State() == registry.StateReady && h.Spec().URL == s.URL {
			cur := h.Spec()
			if cur.MinWorkers != s.MinWorkers || cur.MaxWorkers != s.MaxWorkers || cur.MaxBatchDelay != s.MaxBatchDelay {
				updated, err := m.reg.Reconfigure(s.Name, s.MinWorkers, s.MaxWorkers, s.MaxBatchDelay)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				m.applyPool(updated)
			}
			continue
		}
		if ok && h.State() == registry.StateReady {
			// URL changed: replace the model.
			if err := m.Unregister(ctx, s.Name); err != nil && !IsModelNotFound(err) {
				errs = append(errs, err)
				continue
			}
			m.mu.Lock()
			m.configured[s.Name] = s
			m.mu.Unlock()
		}
		loads = append(loads, m.loader.Load(s))
	}
	m.loader.SetKnown(specs)
	for _, ld := range loads {
		if _, err := ld.Wait(ctx); err != nil {
			errs = append(errs, classify(ld.Name(), err))
		}
	}
	return errors.Join(errs...)
}
