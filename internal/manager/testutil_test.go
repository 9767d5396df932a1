package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"predictd/internal/engine"
	"predictd/internal/registry"
	"predictd/pkg/types"
)

type predictFunc func(ctx context.Context, in *types.Input) (*types.Output, error)

// fakeRuntime is an in-memory engine.Runtime used for tests.
type fakeRuntime struct {
	mu      sync.Mutex
	loads   map[string]int
	loadErr map[string]error
	behave  map[string]predictFunc
	models  map[string][]*fakeModel
	gate    chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		loads:   map[string]int{},
		loadErr: map[string]error{},
		behave:  map[string]predictFunc{},
		models:  map[string][]*fakeModel{},
	}
}

func (r *fakeRuntime) Load(ctx context.Context, name, location string) (engine.Model, error) {
	r.mu.Lock()
	r.loads[name]++
	err := r.loadErr[name]
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	m := &fakeModel{rt: r, name: name}
	r.mu.Lock()
	r.models[name] = append(r.models[name], m)
	r.mu.Unlock()
	return m, nil
}

func (r *fakeRuntime) setLoadErr(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.loadErr, name)
		return
	}
	r.loadErr[name] = err
}

func (r *fakeRuntime) setBehavior(name string, fn predictFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behave[name] = fn
}

func (r *fakeRuntime) loadCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads[name]
}

func (r *fakeRuntime) model(t *testing.T, name string) *fakeModel {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := r.models[name]
	if len(ms) == 0 {
		t.Fatalf("model %s was never loaded", name)
	}
	return ms[len(ms)-1]
}

type fakeModel struct {
	rt      *fakeRuntime
	name    string
	closed  atomic.Int32
	created atomic.Int32
	freed   atomic.Int32
}

func (m *fakeModel) NewPredictor() (engine.Predictor, error) {
	m.created.Add(1)
	return &fakePredictor{m: m}, nil
}

func (m *fakeModel) Close() error {
	m.closed.Add(1)
	return nil
}

type fakePredictor struct {
	m      *fakeModel
	closed atomic.Bool
}

func (p *fakePredictor) Predict(ctx context.Context, in *types.Input) (*types.Output, error) {
	p.m.rt.mu.Lock()
	fn := p.m.rt.behave[p.m.name]
	p.m.rt.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	body, _ := in.ContentString("data")
	return &types.Output{ContentType: "text/plain", Body: []byte(p.m.name + ":" + body)}, nil
}

func (p *fakePredictor) Close() error {
	if p.closed.Swap(true) {
		return errors.New("predictor closed twice")
	}
	p.m.freed.Add(1)
	return nil
}

// blocker makes predictions wait until released, reporting each start.
type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 64), release: make(chan struct{})}
}

func (b *blocker) predict(ctx context.Context, in *types.Input) (*types.Output, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return &types.Output{Body: []byte("done")}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blocker) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("prediction did not start")
	}
}

func newTestManager(t *testing.T, rt *fakeRuntime, cfg ManagerConfig) *Manager {
	t.Helper()
	cfg.Runtime = rt
	m, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func modelSpec(name string) registry.Spec {
	return registry.Spec{Name: name, URL: "file:///models/" + name + ".gguf"}
}

func dedicated(name string, min, max int) registry.Spec {
	s := modelSpec(name)
	s.MinWorkers = min
	s.MaxWorkers = max
	s.MaxBatchDelay = time.Minute
	return s
}

func input(data string) *types.Input {
	in := types.NewInput()
	in.Content["data"] = []byte(data)
	return in
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func waitCall(t *testing.T, c *Call) (*types.Output, error) {
	t.Helper()
	select {
	case <-c.Done():
		return c.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s did not finish (state %s)", c.ID(), c.State())
		return nil, nil
	}
}

var errBoom = errors.New("boom")
