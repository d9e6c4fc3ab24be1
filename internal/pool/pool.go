// Package pool runs relay tasks with a bounded level of concurrency.
//
// Tasks beyond the limit queue until a slot frees; there is no rejection.
// The pool can be reset in place: every queued and running task of the old
// generation sees its context canceled, and new tasks go to a fresh
// generation with an empty counter.
package pool

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 100

// Task is a unit of work. It always runs exactly once; ctx is already done
// if the pool was reset or closed while the task was still queued.
type Task func(ctx context.Context)

// Pool is a resettable bounded worker pool.
type Pool struct {
	size int64

	mu     sync.Mutex
	gen    *generation
	closed bool
}

type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	count  atomic.Int64
	wg     sync.WaitGroup
}

// New returns a pool that runs at most size tasks at once.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{size: int64(size)}
	p.gen = p.newGeneration()
	return p
}

func (p *Pool) newGeneration() *generation {
	ctx, cancel := context.WithCancel(context.Background())
	return &generation{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(p.size),
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return int(p.size)
}

// Go schedules task. It never blocks the caller.
func (p *Pool) Go(task Task) {
	p.mu.Lock()
	g := p.gen
	g.count.Inc()
	g.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer g.count.Dec()

		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			task(g.ctx)
			return
		}
		defer g.sem.Release(1)
		task(g.ctx)
	}()
}

// Count returns the number of queued plus running tasks in the current
// generation.
func (p *Pool) Count() int {
	p.mu.Lock()
	g := p.gen
	p.mu.Unlock()
	return int(g.count.Load())
}

// Reset cancels every task of the current generation and swaps in a new,
// empty one. It does not wait for the canceled tasks to return.
func (p *Pool) Reset() {
	p.mu.Lock()
	old := p.gen
	if !p.closed {
		p.gen = p.newGeneration()
	}
	p.mu.Unlock()

	old.cancel()
}

// Close cancels all tasks and waits for them to return. Tasks scheduled
// after Close run immediately with a canceled context.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	g := p.gen
	p.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
