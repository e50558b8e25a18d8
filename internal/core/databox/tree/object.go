package tree

// Object maps insertion-ordered string keys to children, each with its own
// write timestamp. Deleted keys keep their timestamp as a tombstone.
type Object struct {
	keys       []string
	children   map[string]any
	timestamps map[string]int64
	data       map[string]any
	merger     ValueMerger
}

// NewObject creates an empty object component.
func NewObject() *Object {
	return &Object{
		children:   make(map[string]any),
		timestamps: make(map[string]int64),
		data:       make(map[string]any),
	}
}

func (o *Object) Kind() Kind { return KindObject }

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of keys.
func (o *Object) Len() int { return len(o.keys) }

// Timestamp returns the write timestamp of key, including tombstones.
func (o *Object) Timestamp(key string) (int64, bool) {
	ts, ok := o.timestamps[key]
	return ts, ok
}

func (o *Object) SetValueMerger(m ValueMerger) { o.merger = m }

func (o *Object) Data() any { return o.data }

func (o *Object) DataClone() any { return CloneValue(o.data) }

func (o *Object) Clone() Component {
	c := NewObject()
	c.merger = o.merger
	c.keys = append(c.keys, o.keys...)
	for k, child := range o.children {
		cloned := cloneChild(child)
		c.children[k] = cloned
		c.data[k] = dataOf(cloned)
	}
	for k, ts := range o.timestamps {
		c.timestamps[k] = ts
	}
	return c
}

func (o *Object) lookup(seg Segment) (any, bool) {
	if seg.Query == nil {
		child, ok := o.children[seg.Key]
		return child, ok
	}
	for _, k := range o.keys {
		if seg.Query.Matches(k, dataOf(o.children[k])) {
			return o.children[k], true
		}
	}
	return nil, false
}

func (o *Object) each(fn func(key, child any) bool) {
	for _, k := range o.keys {
		if !fn(k, o.children[k]) {
			return
		}
	}
}

// refresh re-caches the data of a mutated child and advances its timestamp
// to ts, so older writes of the whole child lose against the nested write.
func (o *Object) refresh(key any, ts int64) {
	k, _ := keyString(key)
	if child, ok := o.children[k]; ok {
		o.data[k] = dataOf(child)
		o.timestamps[k] = maxTimestamp(o.timestamps[k], ts)
	}
}

// matchingKeys returns the keys addressed by a terminal segment.
func (o *Object) matchingKeys(seg Segment) []string {
	if seg.Query == nil {
		return []string{seg.Key}
	}
	var out []string
	for _, k := range o.keys {
		if seg.Query.Matches(k, dataOf(o.children[k])) {
			out = append(out, k)
		}
	}
	return out
}

func (o *Object) allowed(key string, args OpArgs) bool {
	if ts, ok := o.timestamps[key]; ok && !checkTimestamp(ts, args.Timestamp) {
		return false
	}
	return EvaluateIf(o, args.If)
}

func (o *Object) Insert(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	switch {
	case len(sel) == 0:
		return
	case len(sel) > 1:
		descend(o, sel[0], true, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Insert(sel[1:], value, args, tok)
		}, o.refresh)
		return
	}
	if sel[0].Query != nil {
		return
	}
	key := sel[0].Key
	if !o.allowed(key, args) {
		return
	}
	if _, exists := o.children[key]; exists {
		if args.Potential {
			tok.Potential = true
			o.set(key, value, args, tok)
		}
		return
	}
	o.set(key, value, args, tok)
}

func (o *Object) Update(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	switch {
	case len(sel) == 0:
		return
	case len(sel) > 1:
		descend(o, sel[0], false, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Update(sel[1:], value, args, tok)
		}, o.refresh)
		return
	}
	for _, key := range o.matchingKeys(sel[0]) {
		if !o.allowed(key, args) {
			continue
		}
		if _, exists := o.children[key]; !exists {
			if args.Potential && sel[0].Query == nil {
				tok.Potential = true
				o.set(key, value, args, tok)
			}
			continue
		}
		o.set(key, value, args, tok)
	}
}

// set writes key, appending it when new.
func (o *Object) set(key string, value any, args OpArgs, tok *ModifyToken) {
	parsed := Parse(value)
	old, exists := o.children[key]
	level := LevelChanged
	if exists {
		level = tok.overwriteLevel(old, parsed)
	} else {
		o.keys = append(o.keys, key)
	}
	o.children[key] = parsed
	o.data[key] = dataOf(parsed)
	o.timestamps[key] = args.Timestamp
	tok.raise(level)
}

func (o *Object) Delete(sel Selector, args OpArgs, tok *ModifyToken) {
	switch {
	case len(sel) == 0:
		return
	case len(sel) > 1:
		descend(o, sel[0], false, args.Timestamp, tok, func(c Component, tok *ModifyToken) {
			c.Delete(sel[1:], args, tok)
		}, o.refresh)
		return
	}
	for _, key := range o.matchingKeys(sel[0]) {
		if _, exists := o.children[key]; !exists || !o.allowed(key, args) {
			continue
		}
		o.remove(key)
		o.timestamps[key] = args.Timestamp
		tok.raise(LevelChanged)
	}
}

func (o *Object) remove(key string) {
	delete(o.children, key)
	delete(o.data, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

func (o *Object) mergeWithNew(other Component, merger ValueMerger) bool {
	n, ok := other.(*Object)
	if !ok {
		return false
	}
	m := mergerOr(o.merger, merger)
	changed := false
	for _, key := range n.keys {
		newChild := n.children[key]
		if oldChild, exists := o.children[key]; exists {
			merged, childChanged := mergeChild(oldChild, newChild, m)
			o.children[key] = merged
			o.data[key] = dataOf(merged)
			changed = changed || childChanged
		} else {
			o.keys = append(o.keys, key)
			o.children[key] = newChild
			o.data[key] = dataOf(newChild)
			changed = true
		}
	}
	for key, ts := range n.timestamps {
		o.timestamps[key] = maxTimestamp(o.timestamps[key], ts)
	}
	return changed
}
