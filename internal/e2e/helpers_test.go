package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"predictd/internal/engine"
	"predictd/internal/httpapi"
	"predictd/internal/manager"
	"predictd/pkg/types"
)

// fileRuntime loads "models" whose weights are a short tag stored in the file.
// Predictions answer "<tag>:<prompt>". Setting hold parks predictions until it
// is closed; each parked prediction signals started first.
type fileRuntime struct {
	mu      sync.Mutex
	hold    chan struct{}
	started chan string
	loads   map[string]int
}

func newFileRuntime() *fileRuntime {
	return &fileRuntime{loads: map[string]int{}, started: make(chan string, 16)}
}

func (r *fileRuntime) Load(ctx context.Context, name, location string) (engine.Model, error) {
	p, err := engine.LocalPath(location)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.loads[name]++
	r.mu.Unlock()
	return &fileModel{rt: r, tag: strings.TrimSpace(string(b))}, nil
}

func (r *fileRuntime) loadCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads[name]
}

func (r *fileRuntime) holdPredictions() func() {
	ch := make(chan struct{})
	r.mu.Lock()
	r.hold = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

type fileModel struct {
	rt  *fileRuntime
	tag string
}

func (m *fileModel) NewPredictor() (engine.Predictor, error) { return &filePredictor{m: m}, nil }
func (m *fileModel) Close() error                             { return nil }

type filePredictor struct{ m *fileModel }

func (p *filePredictor) Predict(ctx context.Context, in *types.Input) (*types.Output, error) {
	p.m.rt.mu.Lock()
	hold := p.m.rt.hold
	p.m.rt.mu.Unlock()
	if hold != nil {
		p.m.rt.started <- p.m.tag
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	prompt, _ := in.ContentString("prompt")
	return &types.Output{ContentType: "text/plain", Body: []byte(p.m.tag + ":" + prompt)}, nil
}

func (p *filePredictor) Close() error { return nil }

// writeModels creates <name>.gguf files holding their tag and returns the dir.
func writeModels(t *testing.T, tags map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, tag := range tags {
		p := filepath.Join(dir, name+".gguf")
		if err := os.WriteFile(p, []byte(tag), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

func newServer(t *testing.T, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	mgr, err := manager.NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return srv, mgr
}

func do(t *testing.T, method, url, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return do(t, http.MethodGet, url, "", nil)
}

func httpPostJSON(t *testing.T, url, payload string) (*http.Response, []byte) {
	t.Helper()
	return do(t, http.MethodPost, url, "application/json", []byte(payload))
}
