package queue

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Handler runs one task. Errors are logged by the pool; recording failure
// on the execution is the handler's job.
type Handler func(ctx context.Context, t Task) error

// Pool runs a fixed number of workers draining a queue.
type Pool struct {
	q       Queue
	workers int
	handle  Handler
}

// NewPool creates a pool of workers (at least one).
func NewPool(q Queue, workers int, handle Handler) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{q: q, workers: workers, handle: handle}
}

// Run processes tasks until ctx is cancelled or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error {
			return p.work(ctx, i)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := slog.With("worker", worker)
	for {
		d, err := p.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return err
			}
			log.Error("dequeue failed", "error", err)
			continue
		}
		p.run(ctx, log, d)
	}
}

func (p *Pool) run(ctx context.Context, log *slog.Logger, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", d.Task.String(), "panic", r)
		}
		if err := p.q.Ack(context.WithoutCancel(ctx), d); err != nil {
			log.Error("ack failed", "task", d.Task.String(), "error", err)
		}
	}()
	if err := p.handle(ctx, d.Task); err != nil {
		log.Warn("task failed", "task", d.Task.String(), "error", err)
	}
}

// Fanout runs fn for every item with at most limit running at once and
// returns once all of them finished. The first error cancels the rest and
// is returned.
func Fanout[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		g.Go(func() error {
			return fn(ctx, item)
		})
	}
	return g.Wait()
}
