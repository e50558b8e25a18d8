package reload

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Names of the built-in strategies.
const (
	HistoryName    = "history"
	TimeWindowName = "timeWindow"
)

// Builder creates a strategy from the options sent by the server.
type Builder func(options map[string]any) (Strategy, error)

// Registry maps strategy names to builders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// DefaultRegistry returns a new registry holding the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(HistoryName, func(map[string]any) (Strategy, error) {
		return HistoryReplay(), nil
	})
	r.Register(TimeWindowName, buildTimeWindow)
	return r
}

// Register adds or replaces a builder.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	r.builders[name] = b
	r.mu.Unlock()
}

// Build creates the named strategy.
func (r *Registry) Build(name string, options map[string]any) (Strategy, error) {
	r.mu.RLock()
	b, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, "strategy %q", name)
	}
	return b(options)
}

// Names lists the registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildTimeWindow reads "delta" (milliseconds), "maxTries" and
// "timestampField".
func buildTimeWindow(options map[string]any) (Strategy, error) {
	var opts TimeWindowOptions
	if v, ok := options["delta"]; ok {
		ms, ok := toInt64(v)
		if !ok || ms < 0 {
			return nil, errors.Wrapf(ErrInvalidOption, "delta %v", v)
		}
		opts.Delta = time.Duration(ms) * time.Millisecond
	}
	if v, ok := options["maxTries"]; ok {
		n, ok := toInt64(v)
		if !ok || n < 0 {
			return nil, errors.Wrapf(ErrInvalidOption, "maxTries %v", v)
		}
		opts.MaxTries = int(n)
	}
	if v, ok := options["timestampField"]; ok {
		field, ok := v.(string)
		if !ok || field == "" {
			return nil, errors.Wrapf(ErrInvalidOption, "timestampField %v", v)
		}
		opts.TimestampOf = FieldTimestamp(field)
	}
	return TimeWindow(opts), nil
}
