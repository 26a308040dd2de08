package server

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// task is a unit of fan-out work: delivering one frame to one socket.
type task func()

// workerPool bounds the number of goroutines doing concurrent broadcast
// delivery. A full queue falls back to running the task synchronously in
// the caller, so a burst never silently drops a broadcast — it just
// momentarily borrows the caller's goroutine.
type workerPool struct {
	queue  chan task
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		queue:  make(chan task, queueSize),
		logger: logger,
	}
}

func (p *workerPool) start(ctx context.Context, workerCount int) {
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

func (p *workerPool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.run(t)
		}
	}
}

func (p *workerPool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("server: broadcast task panicked, recovered")
		}
	}()
	t()
}

func (p *workerPool) submit(t task) {
	select {
	case p.queue <- t:
	default:
		p.run(t)
	}
}

func (p *workerPool) wait() {
	p.wg.Wait()
}
