// Package async runs batch preparation in the background behind a bounded queue.
package async

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Next once the prefetcher has been stopped
var ErrStopped = errors.New("prefetcher stopped")

// PlanFunc produces the description of batch seq. It is always called from a single goroutine,
// in sequence order, so it may own non-thread-safe state such as a random source.
// Returning io.EOF ends the stream.
type PlanFunc[P any] func(seq uint64) (P, error)

// RenderFunc turns a plan into a batch. It is called concurrently from the worker goroutines.
type RenderFunc[P, T any] func(ctx context.Context, plan P) (T, error)

// Config holds configuration for a Prefetcher
type Config struct {
	PrefetchDepth int // Number of batches planned ahead of the consumer (default: 3)
	Workers       int // Number of render goroutines (default: 2)
}

// pending is one batch slot in the ordered queue. done is closed once value/err are set.
type pending[T any] struct {
	seq   uint64
	done  chan struct{}
	value T
	err   error
}

type job[P, T any] struct {
	plan P
	slot *pending[T]
}

// Prefetcher plans batches sequentially, renders them on background workers and hands them to
// the consumer in plan order. At most PrefetchDepth batches are in flight.
type Prefetcher[P, T any] struct {
	plan   PlanFunc[P]
	render RenderFunc[P, T]
	cfg    Config

	queue chan *pending[T]
	jobs  chan job[P, T]

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	planned   atomic.Uint64
	delivered atomic.Uint64

	mu      sync.Mutex
	running bool
	stopped bool
}

// NewPrefetcher creates a prefetcher; call Start to launch its goroutines
func NewPrefetcher[P, T any](plan PlanFunc[P], render RenderFunc[P, T], cfg Config) (*Prefetcher[P, T], error) {
	if plan == nil || render == nil {
		return nil, fmt.Errorf("plan and render functions are required")
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Prefetcher[P, T]{
		plan:   plan,
		render: render,
		cfg:    cfg,
		queue:  make(chan *pending[T], cfg.PrefetchDepth),
		jobs:   make(chan job[P, T], cfg.Workers),
	}, nil
}

// Start launches the planner and worker goroutines. They run until the plan function reports
// io.EOF, the plan function fails, ctx is cancelled or Stop is called.
func (p *Prefetcher[P, T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return fmt.Errorf("prefetcher can only be started once")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group, _ = errgroup.WithContext(p.ctx)

	p.group.Go(p.dispatch)

	for i := 0; i < p.cfg.Workers; i++ {
		p.group.Go(func() error {
			p.work()
			return nil
		})
	}

	p.running = true
	return nil
}

// dispatch reserves a queue slot for each plan before handing it to a worker, so the queue order
// is the plan order regardless of which worker finishes first.
func (p *Prefetcher[P, T]) dispatch() error {
	defer close(p.queue)
	defer close(p.jobs)

	for seq := uint64(0); ; seq++ {
		plan, err := p.plan(seq)
		if errors.Is(err, io.EOF) {
			return nil
		}

		slot := &pending[T]{seq: seq, done: make(chan struct{})}
		if err != nil {
			slot.err = fmt.Errorf("planning batch %d: %w", seq, err)
			close(slot.done)
			select {
			case p.queue <- slot:
			case <-p.ctx.Done():
			}
			return nil
		}

		select {
		case p.queue <- slot:
		case <-p.ctx.Done():
			return nil
		}
		p.planned.Add(1)

		select {
		case p.jobs <- job[P, T]{plan: plan, slot: slot}:
		case <-p.ctx.Done():
			return nil
		}
	}
}

func (p *Prefetcher[P, T]) work() {
	for j := range p.jobs {
		value, err := p.render(p.ctx, j.plan)
		if err != nil {
			err = fmt.Errorf("rendering batch %d: %w", j.slot.seq, err)
		}
		j.slot.value = value
		j.slot.err = err
		close(j.slot.done)
	}
}

// Next blocks until the next batch in plan order is ready. It returns io.EOF once a finite
// stream is exhausted and ErrStopped after Stop.
func (p *Prefetcher[P, T]) Next(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	running, stopped := p.running, p.stopped
	p.mu.Unlock()
	if stopped {
		return zero, ErrStopped
	}
	if !running {
		return zero, fmt.Errorf("prefetcher is not running")
	}

	var slot *pending[T]
	select {
	case s, ok := <-p.queue:
		if !ok {
			if p.ctx.Err() != nil {
				return zero, ErrStopped
			}
			return zero, io.EOF
		}
		slot = s
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case <-slot.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.ctx.Done():
		// A worker may still finish the slot; prefer its result when it is already there.
		select {
		case <-slot.done:
		default:
			return zero, ErrStopped
		}
	}

	if slot.err == nil {
		p.delivered.Add(1)
	}
	return slot.value, slot.err
}

// Stop cancels background work and waits for every goroutine to exit. It is safe to call more
// than once.
func (p *Prefetcher[P, T]) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		p.stopped = true
		return nil
	}

	p.cancel()
	err := p.group.Wait()
	for range p.queue {
	}

	p.running = false
	p.stopped = true
	return err
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher[P, T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		IsRunning:        p.running,
		BatchesPlanned:   p.planned.Load(),
		BatchesDelivered: p.delivered.Load(),
		QueuedBatches:    len(p.queue),
		QueueCapacity:    cap(p.queue),
		Workers:          p.cfg.Workers,
	}
}

// Stats provides statistics about a Prefetcher
type Stats struct {
	IsRunning        bool
	BatchesPlanned   uint64
	BatchesDelivered uint64
	QueuedBatches    int
	QueueCapacity    int
	Workers          int
}
