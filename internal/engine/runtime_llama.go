//go:build llama

package engine

import (
	"context"
	"errors"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"predictd/pkg/types"
)

type llamaRuntime struct {
	opts Options
}

// NewRuntime returns the in-process llama.cpp runtime.
func NewRuntime(opts Options) Runtime { return &llamaRuntime{opts: opts} }

// Built reports whether a real runtime is linked in.
func Built() bool { return true }

func (r *llamaRuntime) Load(ctx context.Context, name, location string) (Model, error) {
	path, err := LocalPath(location)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{llama.SetContext(zn(r.opts.ContextSize, 2048))}
	if r.opts.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(r.opts.GPULayers))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{model: m, opts: r.opts}, nil
}

// llamaModel owns the loaded weights. go-llama.cpp contexts are not safe for
// concurrent Predict calls, so predictors serialize on mu.
type llamaModel struct {
	mu    sync.Mutex
	model *llama.LLama
	opts  Options
}

func (m *llamaModel) NewPredictor() (Predictor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, errors.New("engine: llama model closed")
	}
	return &llamaPredictor{m: m}, nil
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

type llamaPredictor struct {
	m      *llamaModel
	closed bool
}

func (p *llamaPredictor) Predict(ctx context.Context, in *types.Input) (*types.Output, error) {
	if p.closed {
		return nil, errors.New("engine: predictor closed")
	}
	text, err := prompt(in)
	if err != nil {
		return nil, err
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.m.model == nil {
		return nil, errors.New("engine: llama model closed")
	}
	p.m.model.SetTokenCallback(func(string) bool {
		return ctx.Err() == nil
	})
	out, err := p.m.model.Predict(text,
		llama.SetTokens(zn(p.m.opts.MaxTokens, 128)),
		llama.SetThreads(zn(p.m.opts.Threads, 1)),
		llama.SetTopP(llama.DefaultOptions.TopP),
		llama.SetTopK(llama.DefaultOptions.TopK),
		llama.SetTemperature(llama.DefaultOptions.Temperature),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &types.Output{ContentType: "text/plain; charset=utf-8", Body: []byte(out)}, nil
}

func (p *llamaPredictor) Close() error {
	p.closed = true
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
