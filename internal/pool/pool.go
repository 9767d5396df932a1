// Package pool provides elastic worker pools with a direct handoff between
// submitters and idle workers. A task is accepted only when an idle worker
// takes it or a new worker can be spawned below the ceiling; there is no
// unbounded queue behind the pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"predictd/pkg/types"
)

var (
	// ErrSaturated is returned when every worker is busy and the ceiling is reached.
	ErrSaturated = errors.New("pool saturated")
	// ErrClosed is returned when submitting to a retired pool.
	ErrClosed = errors.New("pool closed")
)

// Spec sizes a pool.
type Spec struct {
	Name        string
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	// AdmissionWait bounds how long Submit waits for a worker once the pool
	// is at its ceiling. Zero rejects immediately.
	AdmissionWait time.Duration
}

func (s Spec) normalized() Spec {
	if s.MaxWorkers < 1 {
		s.MaxWorkers = 1
	}
	if s.MinWorkers < 0 {
		s.MinWorkers = 0
	}
	if s.MinWorkers > s.MaxWorkers {
		s.MinWorkers = s.MaxWorkers
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	return s
}

// Pool runs submitted tasks on a bounded, elastic set of goroutines.
type Pool struct {
	spec  Spec
	log   zerolog.Logger
	tasks chan func()
	slots chan struct{}
	quit  chan struct{}

	mu      sync.Mutex
	workers int
	retired bool

	busy      atomic.Int64
	idle      atomic.Int64
	completed atomic.Uint64
	rejected  atomic.Uint64
	wg        sync.WaitGroup
}

// New starts a pool with spec.MinWorkers warm workers.
func New(spec Spec, logger zerolog.Logger) *Pool {
	spec = spec.normalized()
	p := &Pool{
		spec:  spec,
		log:   logger.With().Str("pool", spec.Name).Logger(),
		tasks: make(chan func()),
		slots: make(chan struct{}, spec.MaxWorkers),
		quit:  make(chan struct{}),
	}
	p.mu.Lock()
	for i := 0; i < spec.MinWorkers; i++ {
		p.spawnLocked(nil)
	}
	p.mu.Unlock()
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.spec.Name }

// Spec returns the normalized sizing.
func (p *Pool) Spec() Spec { return p.spec }

// Submit hands task to a worker. It returns ErrSaturated when every worker
// is busy and none frees up within the admission wait, ErrClosed when the
// pool has been retired, or ctx.Err() when the caller gives up first. Submit
// never runs the task on the caller's goroutine and never queues it.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if task == nil {
		return fmt.Errorf("pool %s: nil task", p.spec.Name)
	}
	if p.Retired() {
		return ErrClosed
	}
	if err := p.acquire(ctx); err != nil {
		return err
	}
	if err := p.handoff(task); err != nil {
		<-p.slots
		return err
	}
	return nil
}

// acquire takes one of MaxWorkers execution slots.
func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}
	if p.spec.AdmissionWait <= 0 {
		p.rejected.Add(1)
		return ErrSaturated
	}
	timer := time.NewTimer(p.spec.AdmissionWait)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.rejected.Add(1)
		return ErrSaturated
	}
}

// handoff gives task to a free worker, spawning one below the ceiling. The
// caller holds a slot, so at least one worker is free or may be spawned.
func (p *Pool) handoff(task func()) error {
	for {
		p.mu.Lock()
		if p.retired {
			p.mu.Unlock()
			return ErrClosed
		}
		select {
		case p.tasks <- task:
			p.mu.Unlock()
			return nil
		default:
		}
		if p.workers < p.spec.MaxWorkers {
			p.spawnLocked(task)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		// A worker is free but has not reached its receive yet.
		retry := time.NewTimer(time.Millisecond)
		select {
		case p.tasks <- task:
			retry.Stop()
			return nil
		case <-p.quit:
			retry.Stop()
			return ErrClosed
		case <-retry.C:
		}
	}
}

// spawnLocked starts a worker, optionally with a first task. p.mu must be held.
func (p *Pool) spawnLocked(first func()) {
	p.workers++
	p.wg.Add(1)
	go p.work(first)
}

func (p *Pool) work(first func()) {
	defer p.wg.Done()
	if first != nil {
		p.run(first)
	}
	idle := time.NewTimer(p.spec.IdleTimeout)
	defer idle.Stop()
	for {
		p.idle.Add(1)
		select {
		case task := <-p.tasks:
			p.idle.Add(-1)
			p.run(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.spec.IdleTimeout)
		case <-p.quit:
			p.idle.Add(-1)
			p.exit()
			return
		case <-idle.C:
			p.idle.Add(-1)
			if p.shrink() {
				return
			}
			idle.Reset(p.spec.IdleTimeout)
		}
	}
}

// shrink removes the calling worker if the pool is above its floor.
func (p *Pool) shrink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers > p.spec.MinWorkers || p.retired {
		p.workers--
		return true
	}
	return false
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

func (p *Pool) run(task func()) {
	p.busy.Add(1)
	defer func() {
		p.busy.Add(-1)
		p.completed.Add(1)
		<-p.slots
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("pool task panicked")
		}
	}()
	task()
}

// Retire stops accepting tasks. Workers finish what they are running and exit.
func (p *Pool) Retire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retired {
		return
	}
	p.retired = true
	close(p.quit)
}

// Retired reports whether Retire has been called.
func (p *Pool) Retired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retired
}

// Wait blocks until every worker has exited or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle returns the number of workers waiting for a task.
func (p *Pool) Idle() int { return int(p.idle.Load()) }

// Busy returns the number of workers running a task.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Status reports pool counters.
func (p *Pool) Status() types.PoolStatus {
	return types.PoolStatus{
		Name:       p.spec.Name,
		MinWorkers: p.spec.MinWorkers,
		MaxWorkers: p.spec.MaxWorkers,
		Workers:    p.Workers(),
		Busy:       p.Busy(),
		Idle:       p.Idle(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
	}
}
