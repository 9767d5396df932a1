package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictd/internal/engine"
	"predictd/internal/registry"
)

type stubModel struct{ closed atomic.Bool }

func (m *stubModel) NewPredictor() (engine.Predictor, error) { return nil, errors.New("unused") }
func (m *stubModel) Close() error {
	m.closed.Store(true)
	return nil
}

type stubRuntime struct {
	mu     sync.Mutex
	calls  map[string]int
	active atomic.Int32
	peak   atomic.Int32
	gate   chan struct{}
	fail   map[string]error
	panics bool
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{calls: map[string]int{}, fail: map[string]error{}}
}

func (r *stubRuntime) Load(ctx context.Context, name, location string) (engine.Model, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	r.mu.Lock()
	r.calls[name]++
	err := r.fail[name]
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.panics {
		panic("native crash")
	}
	if err != nil {
		return nil, err
	}
	return &stubModel{}, nil
}

func (r *stubRuntime) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *stubRuntime) setFail(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, name)
		return
	}
	r.fail[name] = err
}

func newTestLoader(t *testing.T, rt *stubRuntime, opts Options) (*Loader, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	opts.Runtime = rt
	opts.Registry = reg
	l, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l, reg
}

func waitLoad(t *testing.T, ld *registry.Load) (*registry.Model, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ld.Wait(ctx)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Runtime: newStubRuntime()})
	require.Error(t, err)
	_, err = New(Options{Runtime: newStubRuntime(), Registry: registry.New(nil), URLPattern: "("})
	require.Error(t, err)
}

func TestGetOrLoad_ExactlyOnce(t *testing.T) {
	rt := newStubRuntime()
	rt.gate = make(chan struct{})
	l, _ := newTestLoader(t, rt, Options{Known: []registry.Spec{{Name: "bert", URL: "file:///models/bert.gguf"}}})

	const n = 50
	loads := make([]*registry.Load, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loads[i] = l.GetOrLoad("bert", "")
		}(i)
	}
	wg.Wait()
	close(rt.gate)

	var first *registry.Model
	for i, ld := range loads {
		m, err := waitLoad(t, ld)
		require.NoError(t, err, "caller %d", i)
		if first == nil {
			first = m
		}
		assert.Same(t, first, m)
	}
	assert.Equal(t, 1, rt.count("bert"))
	assert.Equal(t, registry.StateReady, first.State())
}

func TestGetOrLoad_SingleLane(t *testing.T) {
	rt := newStubRuntime()
	rt.gate = make(chan struct{})
	l, _ := newTestLoader(t, rt, Options{Known: []registry.Spec{
		{Name: "a", URL: "file:///a"},
		{Name: "b", URL: "file:///b"},
		{Name: "c", URL: "file:///c"},
	}})
	la, lb, lc := l.GetOrLoad("a", ""), l.GetOrLoad("b", ""), l.GetOrLoad("c", "")
	time.Sleep(20 * time.Millisecond)
	close(rt.gate)
	for _, ld := range []*registry.Load{la, lb, lc} {
		_, err := waitLoad(t, ld)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, rt.peak.Load())
}

func TestGetOrLoad_UnknownModel(t *testing.T) {
	rt := newStubRuntime()
	l, _ := newTestLoader(t, rt, Options{})
	_, err := waitLoad(t, l.GetOrLoad("resnet", "file:///models/resnet.gguf"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, rt.count("resnet"))
}

func TestGetOrLoad_AllowList(t *testing.T) {
	rt := newStubRuntime()
	l, reg := newTestLoader(t, rt, Options{URLPattern: `file:///models/.*\.gguf`})

	_, err := waitLoad(t, l.GetOrLoad("resnet", ""))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = waitLoad(t, l.GetOrLoad("resnet", "http://evil.example/resnet.gguf"))
	require.ErrorIs(t, err, ErrPermissionDenied)

	// The pattern must match the entire URL.
	_, err = waitLoad(t, l.GetOrLoad("resnet", "file:///models/resnet.gguf.bak"))
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, ok := reg.Lookup("resnet")
	assert.False(t, ok, "refused models must not enter the registry")

	m, err := waitLoad(t, l.GetOrLoad("resnet", "file:///models/resnet.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "file:///models/resnet.gguf", m.Spec().URL)
	assert.False(t, m.Spec().Dedicated())

	assert.True(t, l.AllowsURL("file:///models/x.gguf"))
	assert.False(t, l.AllowsURL("file:///tmp/x.gguf"))
}

func TestGetOrLoad_RetryAfterFailure(t *testing.T) {
	rt := newStubRuntime()
	rt.setFail("bert", errors.New("corrupt file"))
	l, reg := newTestLoader(t, rt, Options{Known: []registry.Spec{{Name: "bert", URL: "file:///bert"}}})

	_, err := waitLoad(t, l.GetOrLoad("bert", ""))
	require.ErrorIs(t, err, ErrLoadFailed)
	m, ok := reg.Lookup("bert")
	require.True(t, ok)
	assert.Equal(t, registry.StateFailed, m.State())

	rt.setFail("bert", nil)
	m, err = waitLoad(t, l.GetOrLoad("bert", ""))
	require.NoError(t, err)
	assert.Equal(t, registry.StateReady, m.State())
	assert.Equal(t, 2, rt.count("bert"))
}

func TestGetOrLoad_FailedAdHocReusesSpec(t *testing.T) {
	rt := newStubRuntime()
	rt.setFail("resnet", errors.New("oom"))
	l, _ := newTestLoader(t, rt, Options{URLPattern: `file:///models/.*`})
	_, err := waitLoad(t, l.GetOrLoad("resnet", "file:///models/resnet"))
	require.Error(t, err)

	rt.setFail("resnet", nil)
	m, err := waitLoad(t, l.GetOrLoad("resnet", ""))
	require.NoError(t, err)
	assert.Equal(t, "file:///models/resnet", m.Spec().URL)
}

func TestRun_RecoversPanic(t *testing.T) {
	rt := newStubRuntime()
	rt.panics = true
	l, _ := newTestLoader(t, rt, Options{Known: []registry.Spec{{Name: "bert", URL: "file:///bert"}}})
	_, err := waitLoad(t, l.GetOrLoad("bert", ""))
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.Contains(t, err.Error(), "native crash")
}

func TestHooks(t *testing.T) {
	rt := newStubRuntime()
	rt.setFail("bad", errors.New("nope"))
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	var reg *registry.Registry
	var stateAtReady registry.State
	l, reg := newTestLoader(t, rt, Options{
		Known: []registry.Spec{{Name: "good", URL: "file:///good"}, {Name: "bad", URL: "file:///bad"}},
		Hooks: Hooks{
			OnStart: func(s registry.Spec) { record("start:" + s.Name) },
			OnReady: func(s registry.Spec) {
				if m, ok := reg.Lookup(s.Name); ok {
					stateAtReady = m.State()
				}
				record("ready:" + s.Name)
			},
			OnFailed: func(s registry.Spec, err error) { record("failed:" + s.Name) },
		},
	})
	_, err := waitLoad(t, l.GetOrLoad("good", ""))
	require.NoError(t, err)
	_, err = waitLoad(t, l.GetOrLoad("bad", ""))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"start:good", "ready:good", "start:bad", "failed:bad"}, events)
	mu.Unlock()
	assert.Equal(t, registry.StateLoading, stateAtReady, "OnReady runs before waiters are released")
}

func TestClose_FailsPendingLoads(t *testing.T) {
	rt := newStubRuntime()
	rt.gate = make(chan struct{})
	reg := registry.New(nil)
	l, err := New(Options{Runtime: rt, Registry: reg, Known: []registry.Spec{
		{Name: "a", URL: "file:///a"},
		{Name: "b", URL: "file:///b"},
	}})
	require.NoError(t, err)
	la := l.GetOrLoad("a", "")
	lb := l.GetOrLoad("b", "")
	require.Eventually(t, func() bool { return rt.count("a") == 1 }, time.Second, 5*time.Millisecond)
	l.Close()

	_, err = waitLoad(t, la)
	require.ErrorIs(t, err, ErrLoadFailed)
	_, err = waitLoad(t, lb)
	require.ErrorIs(t, err, ErrLoadFailed)
	require.ErrorIs(t, err, ErrClosed)

	_, err = waitLoad(t, l.GetOrLoad("a", ""))
	require.ErrorIs(t, err, ErrClosed)
	l.Close()
}

func TestGetOrLoad_ExistingEntryBypassesLoadSlot(t *testing.T) {
	rt := newStubRuntime()
	rt.gate = make(chan struct{})
	l, reg := newTestLoader(t, rt, Options{Known: []registry.Spec{{Name: "bert", URL: "file:///models/bert.gguf"}}})

	first := l.GetOrLoad("bert", "")
	require.Eventually(t, func() bool { return rt.count("bert") == 1 }, time.Second, time.Millisecond)
	assert.Same(t, first, l.GetOrLoad("bert", ""))

	close(rt.gate)
	m, err := waitLoad(t, first)
	require.NoError(t, err)

	ready := l.GetOrLoad("bert", "")
	select {
	case <-ready.Done():
	default:
		t.Fatal("ready model returned an unresolved load")
	}
	got, err := ready.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, m, got)
	assert.Equal(t, 1, rt.count("bert"))

	l.Forget("bert")
	_, err = reg.Unregister(context.Background(), "bert")
	require.NoError(t, err)
	_, err = waitLoad(t, l.GetOrLoad("bert", ""))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, rt.count("bert"))
}
