package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"predictd/pkg/types"
)

// Call is the asynchronous handle of one prediction. The result is delivered
// exactly once; Done is closed when it is available.
type Call struct {
	id     string
	input  *types.Input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	model       string
	state       RequestState
	transitions []Transition
	canceled    bool
	out         *types.Output
	err         error
}

func newCall(parent context.Context, in *types.Input) *Call {
	if in == nil {
		in = types.NewInput()
	}
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &Call{
		id:          uuid.NewString(),
		input:       in,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateReceived,
		transitions: []Transition{{State: StateReceived, At: now}},
	}
}

// ID returns the request id.
func (c *Call) ID() string { return c.id }

// Model returns the resolved model name, empty until resolution succeeded.
func (c *Call) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// State returns the current state.
func (c *Call) State() RequestState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transitions returns the states visited so far, in order.
func (c *Call) Transitions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.transitions))
	copy(out, c.transitions)
	return out
}

// Done is closed once the call reached a terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() (*types.Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out, c.err
}

// Wait blocks until the call completes. If ctx ends first the call is
// canceled and a canceled error is returned. ctx only bounds the wait: a call
// that is already running is not stopped by it, so it may still finish
// COMPLETED and Result then reports that outcome, not the error Wait returned.
func (c *Call) Wait(ctx context.Context) (*types.Output, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		c.Cancel()
		return nil, &Error{Kind: KindCanceled, Model: c.Model(), Err: ctx.Err()}
	}
}

// Cancel stops the call if it has not started running. It reports whether
// the cancellation took effect.
func (c *Call) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning || c.state.Terminal() {
		return false
	}
	if !c.canceled {
		c.canceled = true
		c.cancel()
	}
	return true
}

func (c *Call) setModel(name string) {
	c.mu.Lock()
	c.model = name
	c.mu.Unlock()
}

// advance moves the call to s unless it was canceled or already finished.
func (c *Call) advance(s RequestState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled || c.state.Terminal() {
		return false
	}
	c.state = s
	c.transitions = append(c.transitions, Transition{State: s, At: time.Now()})
	return true
}

// finish records the outcome and moves to the terminal state. It reports
// false if the call had already finished.
func (c *Call) finish(out *types.Output, err error) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.state = StateCompleted
	if err != nil {
		c.state = StateFailed
		out = nil
	}
	c.out = out
	c.err = err
	c.transitions = append(c.transitions, Transition{State: c.state, At: time.Now()})
	c.mu.Unlock()
	c.cancel()
	close(c.done)
	return true
}
