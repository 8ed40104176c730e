// Package pool implements a fixed size worker pool. Work is handed off via an
// unbounded FIFO queue, so Submit never waits for a worker to become free.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/kms-go/mediaserver/internal/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidSize = errors.New("invalid pool size")
	ErrClosed      = errors.New("pool closed")
	ErrNilTask     = errors.New("nil task")
)

// Task is a unit of work. The context is cancelled when the pool is closed.
type Task func(ctx context.Context) error

type Stats struct {
	Size      int
	Busy      int
	Queued    int
	Completed uint64
	Faults    uint64
}

type Pool struct {
	size   int
	cancel context.CancelFunc
	g      errgroup.Group

	mx     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	busy      atomic.Int64
	completed atomic.Uint64
	faults    atomic.Uint64

	closeOnce sync.Once
}

// New starts size workers. Attributes stored in ctx by log.ContextAttrs are
// attached to everything the pool logs.
func New(ctx context.Context, size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		size:   size,
		cancel: cancel,
	}
	p.cond = sync.NewCond(&p.mx)

	for i := range size {
		wctx := log.ContextAttrs(ctx, slog.Int("worker", i))
		p.g.Go(func() error {
			p.work(wctx)
			return nil
		})
	}
	return p, nil
}

// Submit enqueues task and returns immediately. Tasks run in submission order
// as workers free up.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Close stops accepting tasks and cancels the pool context. Tasks still in
// the queue are run with the cancelled context. Close returns once every
// worker has exited.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mx.Lock()
		p.closed = true
		p.mx.Unlock()
		p.cancel()
		p.cond.Broadcast()
	})
	return p.g.Wait()
}

func (p *Pool) Stats() Stats {
	p.mx.Lock()
	queued := len(p.queue)
	p.mx.Unlock()
	return Stats{
		Size:      p.size,
		Busy:      int(p.busy.Load()),
		Queued:    queued,
		Completed: p.completed.Load(),
		Faults:    p.faults.Load(),
	}
}

func (p *Pool) work(ctx context.Context) {
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, task)
	}
}

// next blocks until there is a task or the pool is closed and drained.
func (p *Pool) next() (Task, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.busy.Add(1)
	return task, true
}

// run executes one task. A failing or panicking task is logged and counted,
// the worker stays alive.
func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.faults.Add(1)
			slog.ErrorContext(ctx, "task panicked: recovered", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		p.completed.Add(1)
		p.busy.Add(-1)
	}()

	err := task(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.faults.Add(1)
		slog.WarnContext(ctx, "task failed", "error", err)
	}
}
