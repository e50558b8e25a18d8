package tree

import "strconv"

// Array is a positional list of children with one timestamp per index.
// Deletes compact indices.
type Array struct {
	items      []any
	timestamps []int64
	data       []any
	merger     ValueMerger
}

// NewArray creates an empty array component.
func NewArray() *Array {
	return &Array{data: []any{}}
}

func (a *Array) Kind() Kind { return KindArray }

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.items) }

func (a *Array) SetValueMerger(m ValueMerger) { a.merger = m }

func (a *Array) Data() any { return a.data }

func (a *Array) DataClone() any { return CloneValue(a.data) }

func (a *Array) Clone() Component {
	c := &Array{
		items:      make([]any, len(a.items)),
		timestamps: make([]int64, len(a.timestamps)),
		data:       make([]any, len(a.items)),
		merger:     a.merger,
	}
	copy(c.timestamps, a.timestamps)
	for i, item := range a.items {
		c.items[i] = cloneChild(item)
		c.data[i] = dataOf(c.items[i])
	}
	return c
}

func (a *Array) lookup(seg Segment) (any, bool) {
	if seg.Query == nil {
		idx, ok := parseIndex(seg)
		if !ok || idx >= len(a.items) {
			return nil, false
		}
		return a.items[idx], true
	}
	for i, item := range a.items {
		if seg.Query.Matches(i, dataOf(item)) {
			return item, true
		}
	}
	return nil, false
}

func (a *Array) each(fn func(key, child any) bool) {
	for i, item := range a.items {
		if !fn(i, item) {
			return
		}
	}
}

func (a *Array) refresh(key any, ts int64) {
	var idx int
	switch k := key.(type) {
	case int:
		idx = k
	case string:
		i, err := strconv.Atoi(k)
		if err != nil {
			return
		}
		idx = i
	default:
		return
	}
	if idx >= 0 && idx < len(a.items) {
		a.data[idx] = dataOf(a.items[idx])
		a.timestamps[idx] = maxTimestamp(a.timestamps[idx], ts)
	}
}

// matchingIndexes returns the indexes addressed by a terminal predicate in
// descending order so removals keep the remaining indexes valid.
func (a *Array) matchingIndexes(q *Query) []int {
	var out []int
	for i := len(a.items) - 1; i >= 0; i-- {
		if q.Matches(i, dataOf(a.items[i])) {
			out = append(out, i)
		}
	}
	return out
}

func (a *Array) allowed(idx int, args OpArgs) bool {
	if idx < len(a.timestamps) && !checkTimestamp(a.timestamps[idx], args.Timestamp) {
		return false
	}
	return EvaluateIf(a, args.If)
}

// terminal reports whether sel is consumed at this array: no segment or a
// single one. An empty key means the default index.
func terminal(sel Selector) bool { return len(sel) <= 1 }

func defaultSegment(sel Selector) bool {
	return len(sel) == 0 || (sel[0].Query == nil && sel[0].Key == "")
}

func (a *Array) Insert(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	if !terminal(sel) {
		descend(a, sel[0], true, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Insert(sel[1:], value, args, tok)
		}, a.refresh)
		return
	}
	idx := len(a.items)
	if !defaultSegment(sel) {
		i, ok := parseIndex(sel[0])
		if !ok {
			return
		}
		idx = i
	}
	switch {
	case idx < len(a.items):
		if args.Potential && a.allowed(idx, args) {
			tok.Potential = true
			a.set(idx, value, args, tok)
		}
	case idx == len(a.items):
		if a.allowed(idx, args) {
			a.push(value, args, tok)
		}
	}
}

func (a *Array) Update(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	if !terminal(sel) {
		descend(a, sel[0], false, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Update(sel[1:], value, args, tok)
		}, a.refresh)
		return
	}
	if defaultSegment(sel) {
		return
	}
	if sel[0].Query != nil {
		for _, idx := range a.matchingIndexes(sel[0].Query) {
			if a.allowed(idx, args) {
				a.set(idx, value, args, tok)
			}
		}
		return
	}
	idx, ok := parseIndex(sel[0])
	if !ok || !a.allowed(idx, args) {
		return
	}
	switch {
	case idx < len(a.items):
		a.set(idx, value, args, tok)
	case idx == len(a.items) && args.Potential:
		tok.Potential = true
		a.push(value, args, tok)
	}
}

func (a *Array) push(value any, args OpArgs, tok *ModifyToken) {
	parsed := Parse(value)
	a.items = append(a.items, parsed)
	a.timestamps = append(a.timestamps, args.Timestamp)
	a.data = append(a.data, dataOf(parsed))
	tok.raise(LevelChanged)
}

func (a *Array) set(idx int, value any, args OpArgs, tok *ModifyToken) {
	parsed := Parse(value)
	level := tok.overwriteLevel(a.items[idx], parsed)
	a.items[idx] = parsed
	a.data[idx] = dataOf(parsed)
	a.timestamps[idx] = args.Timestamp
	tok.raise(level)
}

func (a *Array) Delete(sel Selector, args OpArgs, tok *ModifyToken) {
	if !terminal(sel) {
		descend(a, sel[0], false, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Delete(sel[1:], args, tok)
		}, a.refresh)
		return
	}
	if !defaultSegment(sel) && sel[0].Query != nil {
		for _, idx := range a.matchingIndexes(sel[0].Query) {
			if a.allowed(idx, args) {
				a.removeAt(idx, tok)
			}
		}
		return
	}
	idx := len(a.items) - 1
	if !defaultSegment(sel) {
		i, ok := parseIndex(sel[0])
		if !ok {
			return
		}
		idx = i
	}
	if idx < 0 || idx >= len(a.items) || !a.allowed(idx, args) {
		return
	}
	a.removeAt(idx, tok)
}

func (a *Array) removeAt(idx int, tok *ModifyToken) {
	a.items = append(a.items[:idx], a.items[idx+1:]...)
	a.timestamps = append(a.timestamps[:idx], a.timestamps[idx+1:]...)
	a.data = append(a.data[:idx], a.data[idx+1:]...)
	tok.raise(LevelChanged)
}

func (a *Array) mergeWithNew(other Component, merger ValueMerger) bool {
	n, ok := other.(*Array)
	if !ok {
		return false
	}
	m := mergerOr(a.merger, merger)
	changed := false
	for i, newItem := range n.items {
		var ts int64
		if i < len(n.timestamps) {
			ts = n.timestamps[i]
		}
		if i < len(a.items) {
			merged, itemChanged := mergeChild(a.items[i], newItem, m)
			a.items[i] = merged
			a.data[i] = dataOf(merged)
			a.timestamps[i] = maxTimestamp(a.timestamps[i], ts)
			changed = changed || itemChanged
			continue
		}
		a.items = append(a.items, newItem)
		a.timestamps = append(a.timestamps, ts)
		a.data = append(a.data, dataOf(newItem))
		changed = true
	}
	return changed
}
