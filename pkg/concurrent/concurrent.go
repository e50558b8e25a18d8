package concurrent

import (
	"context"

	"github.com/zeusync/databox/pkg/sequence"
	"golang.org/x/sync/errgroup"
)

// ForEach runs action for each element of the iterator in its own goroutine,
// at most limit at a time (limit <= 0 means no limit). The first error
// cancels the context handed to the remaining actions and is returned.
func ForEach[T any](ctx context.Context, i *sequence.Iterator[T], limit int, action func(ctx context.Context, idx int, value T) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}

	idx := 0
	for value := range i.Seq() {
		n := idx
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return action(groupCtx, n, value)
		})
		idx++
	}

	return group.Wait()
}

// Map applies mapFn to each element in parallel and returns the results in
// input order.
func Map[T any, R any](ctx context.Context, i *sequence.Iterator[T], limit int, mapFn func(ctx context.Context, value T) (R, error)) ([]R, error) {
	in := i.Collect()
	out := make([]R, len(in))
	err := ForEach(ctx, sequence.From(in), limit, func(ctx context.Context, idx int, value T) error {
		r, err := mapFn(ctx, value)
		if err != nil {
			return err
		}
		out[idx] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
