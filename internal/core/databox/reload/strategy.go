// Package reload holds the strategies a databox uses to rebuild its replica
// after updates were missed.
package reload

import (
	"context"
	"time"

	"github.com/zeusync/databox/internal/core/databox/history"
)

// FetchResult is one answer of the reload session.
type FetchResult struct {
	Counter int64
	Data    any
}

// FetchFunc re-issues a fetch against the reload session. A nil result
// without error means the server has no more data.
type FetchFunc func(ctx context.Context, input any) (*FetchResult, error)

// Context is everything a strategy may look at.
type Context struct {
	// CurrentData is a copy of the raw storage data before the reload.
	CurrentData any
	// History is the drained fetch history, sorted by counter.
	History     []history.Item
	ReloadFetch FetchFunc
	// ParallelFetch allows a strategy to issue its fetches concurrently.
	ParallelFetch bool
	// DisconnectedAt is zero while the databox never lost its connection.
	DisconnectedAt time.Time
}

// Strategy returns the snapshots that replace the current data. They are
// merged in order; nil entries are skipped.
type Strategy func(ctx context.Context, rc Context) ([]any, error)
