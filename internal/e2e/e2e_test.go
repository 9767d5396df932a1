package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"predictd/internal/common/fsutil"
	"predictd/internal/manager"
	"predictd/internal/registry"
	"predictd/pkg/types"
)

func TestE2E_StartupModels_Predict_Status(t *testing.T) {
	dir := writeModels(t, map[string]string{"alpha": "A", "beta": "B"})
	specs, err := registry.ScanDir(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	rt := newFileRuntime()
	srv, mgr := newServer(t, manager.ManagerConfig{Runtime: rt, Models: specs})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.LoadStartupModels(ctx); err != nil {
		t.Fatalf("startup load: %v", err)
	}

	resp, body := httpGet(t, srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models status=%d body=%s", resp.StatusCode, body)
	}
	var models types.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(models.Models) != 2 || models.Models[0].State != "ready" || models.Models[1].State != "ready" {
		t.Fatalf("unexpected models: %+v", models.Models)
	}

	resp, body = httpPostJSON(t, srv.URL+"/predictions/alpha", `{"prompt":"hi"}`)
	if resp.StatusCode != http.StatusOK || string(body) != "A:hi" {
		t.Fatalf("predict alpha: status=%d body=%s", resp.StatusCode, body)
	}
	resp, body = httpPostJSON(t, srv.URL+"/invocations?model_name=beta", `{"prompt":"yo"}`)
	if resp.StatusCode != http.StatusOK || string(body) != "B:yo" {
		t.Fatalf("invoke beta: status=%d body=%s", resp.StatusCode, body)
	}
	// Two ready models: a nameless request is ambiguous.
	resp, _ = httpPostJSON(t, srv.URL+"/invocations", `{"prompt":"?"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nameless invoke: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = httpPostJSON(t, srv.URL+"/predictions/gamma", `{"prompt":"?"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown model: expected 404, got %d", resp.StatusCode)
	}

	resp, body = httpGet(t, srv.URL+"/ping")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/ping status=%d body=%s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != manager.HealthHealthy || st.ReadyModels != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if rt.loadCount("alpha") != 1 || rt.loadCount("beta") != 1 {
		t.Fatalf("each model must load exactly once")
	}
}

func TestE2E_SoleModelServesNamelessRequests(t *testing.T) {
	dir := writeModels(t, map[string]string{"solo": "S"})
	specs, err := registry.ScanDir(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	srv, mgr := newServer(t, manager.ManagerConfig{Runtime: newFileRuntime(), Models: specs})
	if err := mgr.LoadStartupModels(context.Background()); err != nil {
		t.Fatalf("startup load: %v", err)
	}
	resp, body := httpPostJSON(t, srv.URL+"/invocations", `{"prompt":"x"}`)
	if resp.StatusCode != http.StatusOK || string(body) != "S:x" {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}

func TestE2E_OnDemandLoadHonorsAllowList(t *testing.T) {
	dir := writeModels(t, map[string]string{"lazy": "L"})
	rt := newFileRuntime()
	pattern := regexp.QuoteMeta(fsutil.FileURL(dir)) + "/.*"
	srv, _ := newServer(t, manager.ManagerConfig{Runtime: rt, ModelURLPattern: pattern})

	url := fsutil.FileURL(dir) + "/lazy.gguf"
	resp, body := httpPostJSON(t, srv.URL+"/predictions/lazy?model_url="+url, `{"prompt":"p"}`)
	if resp.StatusCode != http.StatusOK || string(body) != "L:p" {
		t.Fatalf("on-demand load: status=%d body=%s", resp.StatusCode, body)
	}
	resp, body = httpPostJSON(t, srv.URL+"/predictions/other?model_url=file:///etc/passwd", `{"prompt":"p"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed url: expected 403, got %d body=%s", resp.StatusCode, body)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Kind != "permission_denied" {
		t.Fatalf("unexpected error body %s (%v)", body, err)
	}
	// Already ready: no hint needed and no reload.
	resp, _ = httpPostJSON(t, srv.URL+"/predictions/lazy", `{"prompt":"again"}`)
	if resp.StatusCode != http.StatusOK || rt.loadCount("lazy") != 1 {
		t.Fatalf("second request: status=%d loads=%d", resp.StatusCode, rt.loadCount("lazy"))
	}
}

func TestE2E_RegisterPredictUnregister(t *testing.T) {
	dir := writeModels(t, map[string]string{"dyn": "D"})
	pattern := regexp.QuoteMeta(fsutil.FileURL(dir)) + "/.*"
	srv, _ := newServer(t, manager.ManagerConfig{Runtime: newFileRuntime(), ModelURLPattern: pattern})

	reg := `{"name":"dyn","url":"` + fsutil.FileURL(dir) + `/dyn.gguf","min_workers":1,"max_workers":2}`
	resp, body := httpPostJSON(t, srv.URL+"/models", reg)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status=%d body=%s", resp.StatusCode, body)
	}
	var m types.Model
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if m.State != "ready" || m.Pool != "dedicated" || m.MaxWorkers != 2 {
		t.Fatalf("unexpected model: %+v", m)
	}

	resp, body = httpPostJSON(t, srv.URL+"/predictions/dyn", `{"prompt":"z"}`)
	if resp.StatusCode != http.StatusOK || string(body) != "D:z" {
		t.Fatalf("predict: status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodDelete, srv.URL+"/models/dyn", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unregister: status=%d body=%s", resp.StatusCode, body)
	}
	resp, _ = httpPostJSON(t, srv.URL+"/predictions/dyn", `{"prompt":"z"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("after unregister: expected 404, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/models/dyn", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second unregister: expected 404, got %d", resp.StatusCode)
	}
}

// TestE2E_Backpressure429 verifies a saturated dedicated pool rejects with 429
// instead of queueing.
func TestE2E_Backpressure429(t *testing.T) {
	dir := writeModels(t, map[string]string{"one": "1"})
	spec := registry.Spec{Name: "one", URL: fsutil.FileURL(dir) + "/one.gguf", MaxWorkers: 1}
	rt := newFileRuntime()
	srv, mgr := newServer(t, manager.ManagerConfig{Runtime: rt, Models: []registry.Spec{spec}})
	if err := mgr.LoadStartupModels(context.Background()); err != nil {
		t.Fatalf("startup load: %v", err)
	}
	release := rt.holdPredictions()
	defer release()

	first := make(chan int, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/predictions/one", "application/json", strings.NewReader(`{"prompt":"slow"}`))
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()
	select {
	case <-rt.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first prediction never started")
	}

	resp, body := httpPostJSON(t, srv.URL+"/predictions/one", `{"prompt":"fast"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 while saturated, got %d body=%s", resp.StatusCode, body)
	}
	release()
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
}
