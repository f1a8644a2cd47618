package conversation

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New("worker pool closed")

type worker struct {
	tasks   chan func()
	pending int
}

// Workers runs tasks one at a time per key. Each key gets its own goroutine
// while it has pending work; idle workers exit.
type Workers struct {
	mu      sync.Mutex
	workers map[string]*worker
	mailbox int
	closed  bool
	wg      sync.WaitGroup
}

// NewWorkers creates a pool whose per-key mailboxes hold mailbox tasks.
func NewWorkers(mailbox int) *Workers {
	if mailbox <= 0 {
		mailbox = 64
	}
	return &Workers{workers: make(map[string]*worker), mailbox: mailbox}
}

// Submit queues task behind earlier work for key.
func (p *Workers) Submit(key string, task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	w, ok := p.workers[key]
	if !ok {
		w = &worker{tasks: make(chan func(), p.mailbox)}
		p.workers[key] = w
		p.wg.Add(1)
		go p.run(key, w)
	}
	w.pending++
	p.mu.Unlock()

	w.tasks <- task
	return nil
}

// Do runs fn on key's worker and waits for it, or for ctx to end.
func (p *Workers) Do(ctx context.Context, key string, fn func() error) error {
	done := make(chan error, 1)
	if err := p.Submit(key, func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until everything queued for key before the call has run.
func (p *Workers) Flush(ctx context.Context, key string) error {
	return p.Do(ctx, key, func() error { return nil })
}

// Active reports the number of live workers.
func (p *Workers) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close rejects new work and waits for queued work to finish.
func (p *Workers) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Workers) run(key string, w *worker) {
	defer p.wg.Done()
	for task := range w.tasks {
		task()

		p.mu.Lock()
		w.pending--
		if w.pending == 0 {
			delete(p.workers, key)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}
