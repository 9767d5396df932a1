package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"predictd/internal/registry"
)

func TestStatus_Health(t *testing.T) {
	rt := newFakeRuntime()
	rt.setLoadErr("bad", errors.New("no such file"))
	m := newTestManager(t, rt, ManagerConfig{Models: []registry.Spec{dedicated("good", 1, 2), modelSpec("bad")}})

	if m.Ready() {
		t.Fatalf("not ready before startup models load")
	}
	if err := m.LoadStartupModels(testCtx(t)); err == nil || !IsLoadFailed(err) {
		t.Fatalf("want joined load failure, got %v", err)
	}
	st := m.Status()
	if st.Status != HealthPartial {
		t.Fatalf("status=%s want partial", st.Status)
	}
	if st.ReadyModels != 1 || st.FailedModels != 1 || st.LoadingModels != 0 {
		t.Fatalf("counts ready=%d failed=%d loading=%d", st.ReadyModels, st.FailedModels, st.LoadingModels)
	}
	if len(st.Pools) != 2 || st.Pools[0].Name != "default" || st.Pools[1].Name != "good" {
		t.Fatalf("pools=%+v", st.Pools)
	}
	if len(st.Models) != 2 || st.Models[0].Name != "bad" || st.Models[0].Error == "" {
		t.Fatalf("models=%+v", st.Models)
	}
	if st.ServerTimeUnix == 0 {
		t.Fatalf("server time unset")
	}

	rt.setLoadErr("bad", nil)
	if _, err := m.Invoke(testCtx(t), input("x"), "bad"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := m.Status(); st.Status != HealthHealthy || !m.Ready() {
		t.Fatalf("status=%s ready=%v", st.Status, m.Ready())
	}

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Ready() || m.Status().Status != HealthUnhealthy {
		t.Fatalf("closed manager must report unhealthy")
	}
	if rt.model(t, "good").closed.Load() != 1 {
		t.Fatalf("close must free loaded models")
	}
}

func TestStatus_AllFailed(t *testing.T) {
	rt := newFakeRuntime()
	rt.setLoadErr("bad", errors.New("no such file"))
	m := newTestManager(t, rt, ManagerConfig{Models: []registry.Spec{modelSpec("bad")}})
	_ = m.LoadStartupModels(testCtx(t))
	if st := m.Status(); st.Status != HealthUnhealthy {
		t.Fatalf("status=%s want unhealthy", st.Status)
	}
}

func TestCollector(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, ManagerConfig{Models: []registry.Spec{dedicated("bert", 1, 1)}})
	if err := m.LoadStartupModels(testCtx(t)); err != nil {
		t.Fatalf("startup: %v", err)
	}
	// default + bert pools: busy, idle and max each; three model states.
	if n := testutil.CollectAndCount(m.Collector()); n != 2*3+3 {
		t.Fatalf("collected %d metrics", n)
	}
}

func TestPredictMetrics(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, ManagerConfig{Models: []registry.Spec{modelSpec("metered")}})
	before := testutil.ToFloat64(predictionsTotal.WithLabelValues("metered", "ok"))
	if _, err := m.Invoke(testCtx(t), input("x"), "metered"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := testutil.ToFloat64(predictionsTotal.WithLabelValues("metered", "ok")); got != before+1 {
		t.Fatalf("predictions_total=%v want %v", got, before+1)
	}
}
