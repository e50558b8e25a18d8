package reload

import (
	"context"
	"maps"
	"time"

	"github.com/zeusync/databox/pkg/sequence"
)

const (
	DefaultDelta    = 5 * time.Second
	DefaultMaxTries = 20
	DefaultTSField  = "timestamp"
)

// TimeWindowOptions configures TimeWindow.
type TimeWindowOptions struct {
	// Delta is subtracted from the disconnect time when the replica holds no
	// timestamped data.
	Delta    time.Duration
	MaxTries int
	// TimestampOf extracts the millisecond timestamp of one element.
	TimestampOf func(v any) (int64, bool)
}

// FieldTimestamp reads a numeric field of an object element.
func FieldTimestamp(field string) func(v any) (int64, bool) {
	return func(v any) (int64, bool) {
		m, ok := v.(map[string]any)
		if !ok {
			return 0, false
		}
		return toInt64(m[field])
	}
}

// TimeWindow fetches without input until the fetched batches reach back to
// the oldest point the replica already knows about.
func TimeWindow(opts TimeWindowOptions) Strategy {
	if opts.Delta <= 0 {
		opts.Delta = DefaultDelta
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = DefaultMaxTries
	}
	if opts.TimestampOf == nil {
		opts.TimestampOf = FieldTimestamp(DefaultTSField)
	}

	return func(ctx context.Context, rc Context) ([]any, error) {
		end, ok := opts.oldest(rc.CurrentData)
		if !ok {
			if rc.DisconnectedAt.IsZero() {
				return nil, nil
			}
			end = rc.DisconnectedAt.Add(-opts.Delta).UnixMilli()
		}
		if rc.ReloadFetch == nil {
			return nil, ErrNoFetch
		}

		var out []any
		for try := 0; try < opts.MaxTries; try++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := rc.ReloadFetch(ctx, nil)
			if err != nil {
				return nil, err
			}
			if res == nil {
				break
			}
			out = append(out, res.Data)
			if ts, ok := opts.oldest(res.Data); ok && ts <= end {
				break
			}
		}
		return out, nil
	}
}

// oldest returns the smallest timestamp among the elements of data.
func (o TimeWindowOptions) oldest(data any) (int64, bool) {
	var elems *sequence.Iterator[any]
	switch d := data.(type) {
	case []any:
		elems = sequence.From(d)
	case map[string]any:
		elems = sequence.FromSeq(maps.Values(d))
	default:
		return 0, false
	}

	elem, ok := sequence.MinBy(elems, o.TimestampOf)
	if !ok {
		return 0, false
	}
	return o.TimestampOf(elem)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
