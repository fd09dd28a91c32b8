// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workerpool provides a persistent worker pool that dispatches
// grids of independent jobs, the way a GPU dispatches threadgroups.
//
// The CPU emulator runs one job per threadgroup. A Pool is created once and
// reused:
//
//	pool := workerpool.New(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//
//	pool.Dispatch(gridX, gridY, func(x, y int) {
//		runThreadgroup(x, y)
//	})
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a set of persistent workers reused across dispatches.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New starts numWorkers workers. If numWorkers <= 0, uses GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the workers once pending work completes. Calling Close
// multiple times is safe; a closed pool runs jobs on the caller.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// run executes worker on min(NumWorkers, n) goroutines and waits.
func (p *Pool) run(n int, worker func()) {
	workers := min(p.numWorkers, n)
	if workers <= 1 || p.closed.Load() {
		worker()
		return
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		p.workC <- workItem{fn: worker, barrier: &wg}
	}
	wg.Wait()
}

// ParallelFor calls fn for every index in [0, n). Jobs are handed out one
// at a time, so uneven job costs balance across workers. Blocks until all
// jobs complete.
func (p *Pool) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	var next atomic.Int64
	p.run(n, func() {
		for {
			i := int(next.Add(1)) - 1
			if i >= n {
				return
			}
			fn(i)
		}
	})
}

// Dispatch calls fn for every cell of an x × y grid, x varying fastest.
func (p *Pool) Dispatch(x, y int, fn func(x, y int)) {
	if x <= 0 || y <= 0 {
		return
	}
	p.ParallelFor(x*y, func(i int) {
		fn(i%x, i/x)
	})
}

// Run calls fn for every index in [0, n) and returns the first error.
// After an error or the cancellation of ctx, jobs not yet started are
// skipped; fn sees a context that is cancelled in both cases.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var next atomic.Int64
	p.run(n, func() {
		for ctx.Err() == nil {
			i := int(next.Add(1)) - 1
			if i >= n {
				return
			}
			if err := fn(ctx, i); err != nil {
				cancel(err)
				return
			}
		}
	})
	return context.Cause(ctx)
}
