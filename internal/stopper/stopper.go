package stopper

import (
	"sync"

	"hmp-balance/internal/logging"
)

// Pool runs queued work serially per CPU, standing in for the per-CPU
// stopper threads that perform forced migrations. Callers hand work off
// and never wait for completion; ordering is FIFO within one CPU and
// unordered across CPUs.
type Pool struct {
	workers []*worker
	wg      sync.WaitGroup
}

type worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	busy    bool
	closing bool
}

func NewPool(numCPUs int) *Pool {
	p := &Pool{workers: make([]*worker, numCPUs)}
	for cpu := range p.workers {
		w := &worker{}
		w.cond = sync.NewCond(&w.mu)
		p.workers[cpu] = w
		p.wg.Add(1)
		go p.run(w)
	}
	logging.GetLogger().WithField("workers", numCPUs).Debug("Stopper pool started")
	return p
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closing {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		fn := w.queue[0]
		w.queue = w.queue[1:]
		w.busy = true
		w.mu.Unlock()

		fn()

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// Queue schedules fn on cpu's worker. It reports false once the pool is
// stopped or for an unknown CPU; fn does not run in that case. Work must
// not call Quiesce or Stop.
func (p *Pool) Queue(cpu int, fn func()) bool {
	if cpu < 0 || cpu >= len(p.workers) || fn == nil {
		return false
	}
	w := p.workers[cpu]
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return false
	}
	w.queue = append(w.queue, fn)
	w.cond.Broadcast()
	return true
}

// Quiesce blocks until every worker has an empty queue and no work in
// flight. The simulator calls it at tick edges so migrations queued
// during a tick land before the next one.
func (p *Pool) Quiesce() {
	for _, w := range p.workers {
		w.mu.Lock()
		for len(w.queue) > 0 || w.busy {
			w.cond.Wait()
		}
		w.mu.Unlock()
	}
}

// Stop drains already-queued work, then stops the workers. Further Queue
// calls report false.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.mu.Lock()
		w.closing = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	p.wg.Wait()
}
