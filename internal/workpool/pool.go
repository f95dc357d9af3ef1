// Package workpool provides the bounded-concurrency task executor shared by
// every I/O stage of the funnel. Stages size their pools independently, so
// total concurrent external calls is the sum of active pool sizes, never the
// candidate count.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool is a reusable concurrency ceiling for one pipeline stage.
type Pool struct {
	size int
}

// New creates a pool with the given ceiling. Sizes below 1 are clamped to 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size}
}

// Size returns the configured concurrency ceiling.
func (p *Pool) Size() int {
	return p.size
}

// Halved returns a pool at half the ceiling, minimum 1. Used when the source
// enforces stricter quotas.
func (p *Pool) Halved() *Pool {
	return New(p.size / 2)
}

// Task produces one value or fails.
type Task[T any] func(ctx context.Context) (T, error)

// Result holds a task outcome in its input slot.
type Result[T any] struct {
	Value T
	Err   error
}

// Run executes all tasks with at most p.Size() in flight and returns results
// in input order. A failing task records its error in its slot and never
// cancels siblings; only context cancellation stops the pool early, in which
// case the context error is returned and unstarted slots keep it as their
// task error.
func Run[T any](ctx context.Context, p *Pool, tasks []Task[T]) ([]Result[T], error) {
	results := make([]Result[T], len(tasks))

	g := new(errgroup.Group)
	g.SetLimit(p.size)

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(tasks); j++ {
				results[j].Err = err
			}
			_ = g.Wait()
			return results, err
		}

		g.Go(func() error {
			// Each goroutine writes only its own slot.
			results[i].Value, results[i].Err = task(ctx)
			return nil
		})
	}

	_ = g.Wait()
	return results, ctx.Err()
}
