package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"predictd/internal/pool"
	"predictd/internal/registry"
	"predictd/pkg/types"
)

// Input keys consulted when the caller does not name the model explicitly.
const (
	KeyModelName = "model_name"
	KeyModelURL  = "model_url"
)

// Predict accepts a prediction and returns immediately. The returned Call
// completes once the model is resolved, loaded if needed, and the request has
// run on the model's pool. model may be empty, in which case the name is
// taken from the input or from the single ready model.
func (m *Manager) Predict(ctx context.Context, in *types.Input, model string) *Call {
	c := newCall(ctx, in)
	m.inflight.Add(1)
	inflightGauge.Inc()
	go m.dispatch(c, model)
	return c
}

// Invoke runs Predict and waits for the result. If ctx ends before the
// prediction starts running the request is canceled.
func (m *Manager) Invoke(ctx context.Context, in *types.Input, model string) (*types.Output, error) {
	return m.Predict(ctx, in, model).Wait(ctx)
}

// Inflight returns the number of predictions not yet finished.
func (m *Manager) Inflight() int64 { return m.inflight.Load() }

func (m *Manager) dispatch(c *Call, explicit string) {
	start := time.Now()
	if !c.advance(StateModelResolving) {
		m.finish(c, start, nil, c.ctx.Err())
		return
	}
	name, err := m.resolveName(c.input, explicit)
	if err != nil {
		m.finish(c, start, nil, err)
		return
	}
	c.setModel(name)

	if _, err := m.loader.GetOrLoad(name, c.input.Lookup(KeyModelURL)).Wait(c.ctx); err != nil {
		m.finish(c, start, nil, err)
		return
	}
	h, err := m.reg.Acquire(name)
	if err != nil {
		m.finish(c, start, nil, err)
		return
	}
	if !c.advance(StateQueued) {
		h.Release()
		m.finish(c, start, nil, c.ctx.Err())
		return
	}

	task := func() { m.execute(c, h, start) }
	err = m.pools.PoolFor(name).Submit(c.ctx, task)
	if errors.Is(err, pool.ErrClosed) && !m.closed.Load() {
		// The pool was replaced while we held a reference to it.
		err = m.pools.PoolFor(name).Submit(c.ctx, task)
	}
	if err != nil {
		h.Release()
		if errors.Is(err, pool.ErrSaturated) {
			poolSaturationsTotal.WithLabelValues(name).Inc()
			m.publisher.Publish(Event{Name: EventPoolSaturated, Model: name, Fields: map[string]any{"request_id": c.id}})
		}
		if errors.Is(err, pool.ErrClosed) {
			err = fmt.Errorf("dispatcher shutting down: %w", context.Canceled)
		}
		m.finish(c, start, nil, err)
	}
}

// execute is the pool task. It owns the registry reference from here on.
func (m *Manager) execute(c *Call, h *registry.Model, start time.Time) {
	defer h.Release()
	if c.ctx.Err() != nil || !c.advance(StateRunning) {
		m.finish(c, start, nil, c.ctx.Err())
		return
	}
	out, err := m.run(c, h)
	m.finish(c, start, out, err)
}

// run obtains a predictor, runs it and closes it on every path.
func (m *Manager) run(c *Call, h *registry.Model) (out *types.Output, err error) {
	name := h.Name()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("model", name).Str("request_id", c.id).Interface("panic", r).Msg("predictor panicked")
			out = nil
			err = &Error{Kind: KindPredictionFailed, Model: name, Err: fmt.Errorf("predictor panic: %v", r)}
		}
	}()
	em := h.Engine()
	if em == nil {
		m.log.Error().Str("model", name).Str("request_id", c.id).Msg("acquired model has no runtime handle")
		return nil, &Error{Kind: KindPredictionFailed, Model: name, Err: errors.New("model handle released")}
	}
	p, err := em.NewPredictor()
	if err != nil {
		return nil, &Error{Kind: KindPredictionFailed, Model: name, Err: err}
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			m.log.Warn().Err(cerr).Str("model", name).Msg("predictor close failed")
		}
	}()
	out, err = p.Predict(c.ctx, c.input)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, &Error{Kind: KindCanceled, Model: name, Err: err}
		}
		return nil, &Error{Kind: KindPredictionFailed, Model: name, Err: err}
	}
	if out == nil {
		out = &types.Output{}
	}
	return out, nil
}

func (m *Manager) finish(c *Call, start time.Time, out *types.Output, err error) {
	model := c.Model()
	var res error
	if err != nil {
		res = classify(model, err)
	} else if out == nil {
		res = &Error{Kind: KindCanceled, Model: model, Err: context.Canceled}
	}
	if !c.finish(out, res) {
		return
	}
	m.inflight.Add(-1)
	inflightGauge.Dec()

	outcome := "ok"
	if res != nil {
		outcome = KindOf(res).String()
	}
	label := model
	if label == "" {
		label = "unresolved"
	}
	predictionsTotal.WithLabelValues(label, outcome).Inc()
	predictionDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	ev := m.log.Debug()
	if res != nil && !IsCanceled(res) && !IsTooBusy(res) {
		ev = m.log.Warn().Err(res)
	}
	ev.Str("request_id", c.id).Str("model", model).Str("outcome", outcome).
		Dur("elapsed", time.Since(start)).Msg("prediction finished")
}

// resolveName picks the target model: explicit argument, then the
// model_name property, then the model_name body field, then the only ready
// model.
func (m *Manager) resolveName(in *types.Input, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := in.Property(KeyModelName, ""); v != "" {
		return v, nil
	}
	if v, ok := in.ContentString(KeyModelName); ok && v != "" {
		return v, nil
	}
	if ready := m.reg.ReadyNames(); len(ready) == 1 {
		return ready[0], nil
	}
	return "", &Error{Kind: KindModelNameRequired}
}
