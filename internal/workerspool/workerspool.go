// Package workerspool runs bounded numbers of goroutines over indexed work, used to decode and
// preprocess images in parallel.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running concurrently.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// 0 runs tasks inline, negative values mean unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a new Pool with parallelism runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool with the given maxParallelism.
// If 0, tasks are run inline by the caller. If negative, parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the configured limit of concurrent tasks.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// WaitToStart blocks until a slot is available and then runs task in a new goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism < 0 {
		w.mu.Lock()
		w.lockedRunTaskInGoroutine(task)
		w.mu.Unlock()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine must be called with w.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
}

// Wait until all started tasks have finished.
func (w *Pool) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
}

// ForEach calls fn(i) for i in [0, n), with up to MaxParallelism calls running concurrently.
// It returns the error of the lowest index that failed, after all started tasks finish.
// Once an error is observed no new tasks are started.
func (w *Pool) ForEach(n int, fn func(i int) error) error {
	var (
		mu       sync.Mutex
		firstIdx = -1
		firstErr error
	)
	for i := range n {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}
		w.WaitToStart(func() {
			if err := fn(i); err != nil {
				mu.Lock()
				if firstErr == nil || i < firstIdx {
					firstIdx, firstErr = i, err
				}
				mu.Unlock()
			}
		})
	}
	w.Wait()
	return firstErr
}
