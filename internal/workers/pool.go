// Package workers runs queued tasks on a fixed number of goroutines.
package workers

import (
	"sync"

	conc "github.com/sourcegraph/conc/pool"
)

// Pool runs tasks on a fixed number of workers. Submissions are queued
// without limit, so Submit never blocks; a task that never returns only
// holds its own worker.
type Pool struct {
	mutex  sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	workers *conc.Pool
	done    chan struct{}
}

func NewPool(workers int) *Pool {
	p := &Pool{
		wake:    make(chan struct{}, 1),
		workers: conc.New().WithMaxGoroutines(max(workers, 1)),
		done:    make(chan struct{}),
	}

	go p.dispatch()
	return p
}

// Submit queues a task. It returns false once the pool is closed.
func (p *Pool) Submit(task func()) bool {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	p.mutex.Unlock()

	p.signal()
	return true
}

// Pending returns the number of tasks not yet handed to a worker.
func (p *Pool) Pending() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.queue)
}

// Close refuses new tasks. Tasks already queued still run.
func (p *Pool) Close() {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()

	p.signal()
}

// Wait blocks until the pool is closed and every worker has returned.
func (p *Pool) Wait() {
	<-p.done
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (func(), bool) {
	for {
		p.mutex.Lock()
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mutex.Unlock()
			return task, true
		}
		closed := p.closed
		p.mutex.Unlock()

		if closed {
			return nil, false
		}

		<-p.wake
	}
}

func (p *Pool) dispatch() {
	defer close(p.done)

	for {
		task, ok := p.next()
		if !ok {
			p.workers.Wait()
			return
		}
		// Blocks while every worker is busy
		p.workers.Go(task)
	}
}
