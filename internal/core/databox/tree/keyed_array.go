package tree

import "sort"

// KeyedArray is an ordered collection whose elements carry a unique string
// key besides their position. With a comparator the elements stay sorted.
// It materializes as the plain list of element values.
type KeyedArray struct {
	keys       []string
	items      []any
	positions  map[string]int
	timestamps map[string]int64
	comparator Comparator
	merger     ValueMerger
	data       []any
}

// NewKeyedArray creates an empty keyed array.
func NewKeyedArray() *KeyedArray {
	return &KeyedArray{
		positions:  make(map[string]int),
		timestamps: make(map[string]int64),
		data:       []any{},
	}
}

func (ka *KeyedArray) Kind() Kind { return KindKeyedArray }

// Keys returns the element keys in order.
func (ka *KeyedArray) Keys() []string {
	out := make([]string, len(ka.keys))
	copy(out, ka.keys)
	return out
}

// Len returns the number of elements.
func (ka *KeyedArray) Len() int { return len(ka.keys) }

// Get returns the materialized value stored under key.
func (ka *KeyedArray) Get(key string) (any, bool) {
	pos, ok := ka.positions[key]
	if !ok {
		return nil, false
	}
	return dataOf(ka.items[pos]), true
}

func (ka *KeyedArray) SetValueMerger(m ValueMerger) { ka.merger = m }

// SetComparator installs cmp and sorts the elements. A nil comparator keeps
// the current order.
func (ka *KeyedArray) SetComparator(cmp Comparator) {
	ka.comparator = cmp
	if cmp != nil {
		ka.sortAll()
	}
}

// HasComparator reports whether a comparator is installed.
func (ka *KeyedArray) HasComparator() bool { return ka.comparator != nil }

func (ka *KeyedArray) Data() any { return ka.data }

func (ka *KeyedArray) DataClone() any { return CloneValue(ka.data) }

func (ka *KeyedArray) Clone() Component {
	c := NewKeyedArray()
	c.comparator = ka.comparator
	c.merger = ka.merger
	c.keys = append(c.keys, ka.keys...)
	c.items = make([]any, len(ka.items))
	for i, item := range ka.items {
		c.items[i] = cloneChild(item)
	}
	for k, ts := range ka.timestamps {
		c.timestamps[k] = ts
	}
	c.reindex()
	return c
}

func (ka *KeyedArray) lookup(seg Segment) (any, bool) {
	if seg.Query == nil {
		pos, ok := ka.positions[seg.Key]
		if !ok {
			return nil, false
		}
		return ka.items[pos], true
	}
	for i, k := range ka.keys {
		if seg.Query.Matches(k, dataOf(ka.items[i])) {
			return ka.items[i], true
		}
	}
	return nil, false
}

func (ka *KeyedArray) each(fn func(key, child any) bool) {
	for i, k := range ka.keys {
		if !fn(k, ka.items[i]) {
			return
		}
	}
}

// refresher updates the cached data of a mutated element and moves it when
// the comparator order changed, which counts as a structural change.
func (ka *KeyedArray) refresher(tok *ModifyToken) func(key any, ts int64) {
	return func(key any, ts int64) {
		k, _ := keyString(key)
		pos, ok := ka.positions[k]
		if !ok {
			return
		}
		ka.data[pos] = dataOf(ka.items[pos])
		ka.timestamps[k] = maxTimestamp(ka.timestamps[k], ts)
		if ka.reposition(k) {
			tok.raise(LevelChanged)
		}
	}
}

// reindex rebuilds positions and the materialized list after a structural change.
func (ka *KeyedArray) reindex() {
	ka.positions = make(map[string]int, len(ka.keys))
	ka.data = make([]any, len(ka.items))
	for i, k := range ka.keys {
		ka.positions[k] = i
		ka.data[i] = dataOf(ka.items[i])
	}
}

func (ka *KeyedArray) matchingKeys(seg Segment) []string {
	if seg.Query == nil {
		return []string{seg.Key}
	}
	var out []string
	for i, k := range ka.keys {
		if seg.Query.Matches(k, dataOf(ka.items[i])) {
			out = append(out, k)
		}
	}
	return out
}

func (ka *KeyedArray) allowed(key string, args OpArgs) bool {
	if ts, ok := ka.timestamps[key]; ok && !checkTimestamp(ts, args.Timestamp) {
		return false
	}
	return EvaluateIf(ka, args.If)
}

// sortedPosition returns the index a value takes under the comparator,
// after any equal elements.
func (ka *KeyedArray) sortedPosition(value any) int {
	return sort.Search(len(ka.items), func(i int) bool {
		return ka.comparator(dataOf(value), dataOf(ka.items[i])) < 0
	})
}

func (ka *KeyedArray) insertAt(pos int, key string, child any) {
	ka.keys = append(ka.keys, "")
	copy(ka.keys[pos+1:], ka.keys[pos:])
	ka.keys[pos] = key
	ka.items = append(ka.items, nil)
	copy(ka.items[pos+1:], ka.items[pos:])
	ka.items[pos] = child
	ka.reindex()
}

func (ka *KeyedArray) removeKey(key string) {
	pos, ok := ka.positions[key]
	if !ok {
		return
	}
	ka.keys = append(ka.keys[:pos], ka.keys[pos+1:]...)
	ka.items = append(ka.items[:pos], ka.items[pos+1:]...)
	ka.reindex()
}

// reposition moves key to its comparator position when it is out of order.
// It reports whether the element moved.
func (ka *KeyedArray) reposition(key string) bool {
	if ka.comparator == nil {
		return false
	}
	pos := ka.positions[key]
	value := dataOf(ka.items[pos])
	inOrder := (pos == 0 || ka.comparator(dataOf(ka.items[pos-1]), value) <= 0) &&
		(pos == len(ka.items)-1 || ka.comparator(value, dataOf(ka.items[pos+1])) <= 0)
	if inOrder {
		return false
	}
	child := ka.items[pos]
	ka.removeKey(key)
	ka.insertAt(ka.sortedPosition(child), key, child)
	return true
}

func (ka *KeyedArray) sortAll() {
	sort.Stable(keyedSorter{ka})
	ka.reindex()
}

type keyedSorter struct{ ka *KeyedArray }

func (s keyedSorter) Len() int { return len(s.ka.items) }

func (s keyedSorter) Less(i, j int) bool {
	return s.ka.comparator(dataOf(s.ka.items[i]), dataOf(s.ka.items[j])) < 0
}

func (s keyedSorter) Swap(i, j int) {
	s.ka.items[i], s.ka.items[j] = s.ka.items[j], s.ka.items[i]
	s.ka.keys[i], s.ka.keys[j] = s.ka.keys[j], s.ka.keys[i]
}

func (ka *KeyedArray) Insert(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	switch {
	case len(sel) == 0:
		return
	case len(sel) > 1:
		descend(ka, sel[0], true, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Insert(sel[1:], value, args, tok)
		}, ka.refresher(tok))
		return
	}
	if sel[0].Query != nil {
		return
	}
	key := sel[0].Key
	if !ka.allowed(key, args) {
		return
	}
	if _, exists := ka.positions[key]; exists {
		if args.Potential {
			tok.Potential = true
			ka.set(key, value, args, tok)
		}
		return
	}
	ka.add(key, value, args, tok)
}

// add places a new element at the end, at its sorted position or in front
// of the IfContains anchor.
func (ka *KeyedArray) add(key string, value any, args OpArgs, tok *ModifyToken) {
	pos := len(ka.items)
	if args.IfContains != "" {
		anchor, ok := ka.positions[args.IfContains]
		if !ok {
			return
		}
		pos = anchor
	}
	parsed := Parse(value)
	if ka.comparator != nil {
		pos = ka.sortedPosition(parsed)
	}
	ka.insertAt(pos, key, parsed)
	ka.timestamps[key] = args.Timestamp
	tok.raise(LevelChanged)
}

func (ka *KeyedArray) Update(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	switch {
	case len(sel) == 0:
		return
	case len(sel) > 1:
		descend(ka, sel[0], false, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Update(sel[1:], value, args, tok)
		}, ka.refresher(tok))
		return
	}
	for _, key := range ka.matchingKeys(sel[0]) {
		if !ka.allowed(key, args) {
			continue
		}
		if _, exists := ka.positions[key]; !exists {
			if args.Potential && sel[0].Query == nil {
				tok.Potential = true
				ka.add(key, value, args, tok)
			}
			continue
		}
		ka.set(key, value, args, tok)
	}
}

func (ka *KeyedArray) set(key string, value any, args OpArgs, tok *ModifyToken) {
	pos := ka.positions[key]
	parsed := Parse(value)
	level := tok.overwriteLevel(ka.items[pos], parsed)
	ka.items[pos] = parsed
	ka.data[pos] = dataOf(parsed)
	ka.timestamps[key] = args.Timestamp
	if ka.reposition(key) {
		level = LevelChanged
	}
	tok.raise(level)
}

func (ka *KeyedArray) Delete(sel Selector, args OpArgs, tok *ModifyToken) {
	switch {
	case len(sel) == 0:
		return
	case len(sel) > 1:
		descend(ka, sel[0], false, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Delete(sel[1:], args, tok)
		}, ka.refresher(tok))
		return
	}
	for _, key := range ka.matchingKeys(sel[0]) {
		if _, exists := ka.positions[key]; !exists || !ka.allowed(key, args) {
			continue
		}
		ka.removeKey(key)
		ka.timestamps[key] = args.Timestamp
		tok.raise(LevelChanged)
	}
}

func (ka *KeyedArray) mergeWithNew(other Component, merger ValueMerger) bool {
	n, ok := other.(*KeyedArray)
	if !ok {
		return false
	}
	m := mergerOr(ka.merger, merger)
	changed := false
	for i, key := range n.keys {
		newItem := n.items[i]
		if pos, exists := ka.positions[key]; exists {
			merged, itemChanged := mergeChild(ka.items[pos], newItem, m)
			ka.items[pos] = merged
			changed = changed || itemChanged
			continue
		}
		ka.keys = append(ka.keys, key)
		ka.items = append(ka.items, newItem)
		ka.positions[key] = len(ka.keys) - 1
		changed = true
	}
	for key, ts := range n.timestamps {
		ka.timestamps[key] = maxTimestamp(ka.timestamps[key], ts)
	}
	if ka.comparator != nil && changed {
		ka.sortAll()
	} else {
		ka.reindex()
	}
	return changed
}
