// Package loader turns a model name into a ready registry entry. Loads run one
// at a time on a dedicated goroutine so that a slow or large model never
// competes with another load for memory, and concurrent requests for the same
// model share a single attempt through the registry's load future.
package loader

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"predictd/internal/engine"
	"predictd/internal/registry"
)

var (
	ErrNotFound         = errors.New("model not found")
	ErrPermissionDenied = errors.New("model url not allowed")
	ErrLoadFailed       = errors.New("model load failed")
	ErrClosed           = errors.New("loader closed")
)

// Hooks observe the loading lane. OnReady runs on the lane after the runtime
// load succeeded and before waiters are released, so anything it sets up (a
// dedicated pool) is in place when the first prediction arrives.
type Hooks struct {
	OnStart  func(spec registry.Spec)
	OnReady  func(spec registry.Spec)
	OnFailed func(spec registry.Spec, err error)
}

// Options configures a Loader.
type Options struct {
	Runtime  engine.Runtime
	Registry *registry.Registry
	// URLPattern is the allow-list for ad-hoc model URLs. It must match the
	// whole URL. Empty disables on-demand loading of unknown models.
	URLPattern string
	// Known are trusted models from configuration; they bypass the allow-list.
	Known  []registry.Spec
	Hooks  Hooks
	Logger *zerolog.Logger
}

// Loader owns the loading lane.
type Loader struct {
	rt      engine.Runtime
	reg     *registry.Registry
	pattern *regexp.Regexp
	hooks   Hooks
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	known   map[string]registry.Spec
	pending []registry.Spec
	closed  bool
}

// New validates opts and starts the loading lane.
func New(opts Options) (*Loader, error) {
	if opts.Runtime == nil {
		return nil, errors.New("loader: runtime is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("loader: registry is required")
	}
	var re *regexp.Regexp
	if opts.URLPattern != "" {
		var err error
		re, err = regexp.Compile("^(?:" + opts.URLPattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("loader: compile model url pattern: %w", err)
		}
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	ld := &Loader{
		rt:      opts.Runtime,
		reg:     opts.Registry,
		pattern: re,
		hooks:   opts.Hooks,
		log:     l,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		known:   make(map[string]registry.Spec),
	}
	ld.SetKnown(opts.Known)
	go ld.lane()
	return ld, nil
}

// SetKnown replaces the set of trusted models.
func (l *Loader) SetKnown(specs []registry.Spec) {
	known := make(map[string]registry.Spec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}
	l.mu.Lock()
	l.known = known
	l.mu.Unlock()
}

// Forget drops name from the trusted set.
func (l *Loader) Forget(name string) {
	l.mu.Lock()
	delete(l.known, name)
	l.mu.Unlock()
}

// Known returns the trusted spec for name.
func (l *Loader) Known(name string) (registry.Spec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.known[name]
	return s, ok
}

// AllowsURL reports whether url passes the allow-list. It is false when no
// pattern is configured.
func (l *Loader) AllowsURL(url string) bool {
	return l.pattern != nil && l.pattern.MatchString(url)
}

// GetOrLoad returns the load future for name, starting a load when needed.
// A ready or loading model is returned as is. Otherwise the model must be
// known from configuration, or hint must be a URL accepted by the allow-list.
func (l *Loader) GetOrLoad(name, hint string) *registry.Load {
	if m, ok := l.reg.Lookup(name); ok {
		switch m.State() {
		case registry.StateReady:
			return registry.Ready(m)
		case registry.StateLoading:
			return m.Pending()
		case registry.StateFailed:
			if hint == "" {
				if _, known := l.Known(name); !known {
					return l.enqueue(m.Spec())
				}
			}
		}
	}
	spec, err := l.resolve(name, hint)
	if err != nil {
		return registry.Failed(name, err)
	}
	return l.enqueue(spec)
}

func (l *Loader) resolve(name, hint string) (registry.Spec, error) {
	if s, ok := l.Known(name); ok {
		return s, nil
	}
	if l.pattern == nil {
		return registry.Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if hint == "" {
		return registry.Spec{}, fmt.Errorf("%w: %s (parameter model_url is required)", ErrNotFound, name)
	}
	if !l.pattern.MatchString(hint) {
		return registry.Spec{}, fmt.Errorf("%w: %s", ErrPermissionDenied, hint)
	}
	return registry.Spec{Name: name, URL: hint}, nil
}

// Load schedules an explicit load of spec, skipping the allow-list. Callers
// are expected to have authorized the spec already.
func (l *Loader) Load(spec registry.Spec) *registry.Load {
	return l.enqueue(spec)
}

func (l *Loader) enqueue(spec registry.Spec) *registry.Load {
	ld, owner := l.reg.BeginLoad(spec)
	if !owner {
		return ld
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.complete(spec, nil, ErrClosed)
		return ld
	}
	l.pending = append(l.pending, spec)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return ld
}

func (l *Loader) lane() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.failPending()
			return
		case <-l.wake:
		}
		for {
			spec, ok := l.next()
			if !ok {
				break
			}
			l.run(spec)
		}
	}
}

func (l *Loader) next() (registry.Spec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 || l.ctx.Err() != nil {
		return registry.Spec{}, false
	}
	s := l.pending[0]
	l.pending = l.pending[1:]
	return s, true
}

func (l *Loader) failPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, s := range pending {
		l.complete(s, nil, ErrClosed)
	}
}

func (l *Loader) run(spec registry.Spec) {
	if l.hooks.OnStart != nil {
		l.hooks.OnStart(spec)
	}
	l.log.Info().Str("model", spec.Name).Str("url", spec.URL).Msg("model load started")
	em, err := l.loadSafe(spec)
	if err == nil && l.hooks.OnReady != nil {
		l.hooks.OnReady(spec)
	}
	l.complete(spec, em, err)
}

func (l *Loader) loadSafe(spec registry.Spec) (em engine.Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			em = nil
			err = fmt.Errorf("runtime panic: %v", r)
		}
	}()
	return l.rt.Load(l.ctx, spec.Name, spec.URL)
}

func (l *Loader) complete(spec registry.Spec, em engine.Model, err error) {
	if err != nil {
		err = fmt.Errorf("%w: model %s: %w", ErrLoadFailed, spec.Name, err)
	}
	if cerr := l.reg.CompleteLoad(spec.Name, em, err); cerr != nil {
		l.log.Error().Err(cerr).Str("model", spec.Name).Msg("model load completion rejected")
		if em != nil {
			_ = em.Close()
		}
		return
	}
	if err != nil {
		l.log.Warn().Err(err).Str("model", spec.Name).Msg("model load failed")
		if l.hooks.OnFailed != nil {
			l.hooks.OnFailed(spec, err)
		}
		return
	}
	l.log.Info().Str("model", spec.Name).Msg("model ready")
}

// Close stops the lane. A load in progress sees its context canceled; queued
// loads fail with ErrClosed.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	<-l.done
}
