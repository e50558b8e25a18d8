package reload

import (
	"context"

	"github.com/zeusync/databox/internal/core/databox/history"
	"github.com/zeusync/databox/pkg/concurrent"
	"github.com/zeusync/databox/pkg/sequence"
)

// HistoryReplay re-issues every recorded fetch input. Results keep the
// position of their history item. In parallel mode a missing result leaves
// a nil hole; sequentially the first missing result ends the replay.
func HistoryReplay() Strategy {
	return func(ctx context.Context, rc Context) ([]any, error) {
		if len(rc.History) == 0 {
			return nil, nil
		}
		if rc.ReloadFetch == nil {
			return nil, ErrNoFetch
		}
		if rc.ParallelFetch {
			return replayParallel(ctx, rc)
		}
		return replaySequential(ctx, rc)
	}
}

func replayParallel(ctx context.Context, rc Context) ([]any, error) {
	return concurrent.Map(ctx, sequence.From(rc.History), 0, func(ctx context.Context, item history.Item) (any, error) {
		res, err := rc.ReloadFetch(ctx, item.Input)
		if err != nil || res == nil {
			return nil, err
		}
		return res.Data, nil
	})
}

func replaySequential(ctx context.Context, rc Context) ([]any, error) {
	out := make([]any, 0, len(rc.History))
	for _, item := range rc.History {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := rc.ReloadFetch(ctx, item.Input)
		if err != nil {
			return nil, err
		}
		if res == nil {
			break
		}
		out = append(out, res.Data)
	}
	return out, nil
}
