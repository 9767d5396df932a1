package registry

import (
	"context"
	"sync"
)

// Load is the shared outcome of one load attempt. Every caller that asks for a
// model while it is loading receives the same *Load and observes the same
// result once Done is closed.
type Load struct {
	name string
	done chan struct{}
	once sync.Once

	model *Model
	err   error
}

func newLoad(name string) *Load {
	return &Load{name: name, done: make(chan struct{})}
}

func (l *Load) resolve(m *Model, err error) {
	l.once.Do(func() {
		l.model = m
		l.err = err
		close(l.done)
	})
}

// resolved returns an already completed Load for a ready model.
func resolved(m *Model) *Load {
	l := newLoad(m.spec.Name)
	l.resolve(m, nil)
	return l
}

// Ready wraps a ready model in a completed Load.
func Ready(m *Model) *Load { return resolved(m) }

// Failed returns a completed Load carrying err. It is used for requests that
// are refused before any load is attempted.
func Failed(name string, err error) *Load {
	l := newLoad(name)
	l.resolve(nil, err)
	return l
}

// Name returns the model name this load is for.
func (l *Load) Name() string { return l.name }

// Done is closed once the outcome is known.
func (l *Load) Done() <-chan struct{} { return l.done }

// Wait blocks until the load completes or ctx ends.
func (l *Load) Wait(ctx context.Context) (*Model, error) {
	select {
	case <-l.done:
		return l.model, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
