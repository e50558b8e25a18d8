package tree

// Head is the root of a replica. It holds at most one value, a Component or
// a scalar, so the whole replica can be inserted, replaced or deleted at once.
type Head struct {
	value     any
	present   bool
	timestamp int64
	merger    ValueMerger
}

// NewHead creates an empty head.
func NewHead() *Head {
	return &Head{}
}

// ParseHead parses raw into a head holding the result, stamped with timestamp.
func ParseHead(raw any, timestamp int64) *Head {
	return &Head{value: Parse(raw), present: true, timestamp: timestamp}
}

func (h *Head) Kind() Kind { return KindHead }

// Present reports whether the head holds a value.
func (h *Head) Present() bool { return h.present }

// Timestamp returns the write timestamp of the root value.
func (h *Head) Timestamp() int64 { return h.timestamp }

// Value returns the root child, a Component or a scalar.
func (h *Head) Value() any { return h.value }

func (h *Head) SetValueMerger(m ValueMerger) { h.merger = m }

func (h *Head) Data() any {
	if !h.present {
		return nil
	}
	return dataOf(h.value)
}

func (h *Head) DataClone() any {
	return CloneValue(h.Data())
}

func (h *Head) Clone() Component {
	return &Head{
		value:     cloneChild(h.value),
		present:   h.present,
		timestamp: h.timestamp,
		merger:    h.merger,
	}
}

func (h *Head) lookup(seg Segment) (any, bool) {
	if c, ok := h.value.(Component); ok && h.present {
		return c.lookup(seg)
	}
	return nil, false
}

func (h *Head) each(fn func(key, child any) bool) {
	if c, ok := h.value.(Component); ok && h.present {
		c.each(fn)
	}
}

func (h *Head) child() (Component, bool) {
	if !h.present {
		return nil, false
	}
	c, ok := h.value.(Component)
	return c, ok
}

func (h *Head) allowed(args OpArgs) bool {
	return checkTimestamp(h.timestamp, args.Timestamp) && EvaluateIf(h.value, args.If)
}

func (h *Head) Insert(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	if len(sel) > 0 {
		if c, ok := h.child(); ok {
			sub := tok.child()
			c.Insert(sel, value, args, sub)
			h.nested(sub, args, tok)
		}
		return
	}
	if !h.allowed(args) {
		return
	}
	if h.present {
		if args.Potential {
			tok.Potential = true
			h.replace(value, args, tok)
		}
		return
	}
	h.value = Parse(value)
	h.present = true
	h.timestamp = args.Timestamp
	tok.raise(LevelChanged)
}

func (h *Head) Update(sel Selector, value any, args OpArgs, tok *ModifyToken) {
	if len(sel) > 0 {
		if c, ok := h.child(); ok {
			sub := tok.child()
			c.Update(sel, value, args, sub)
			h.nested(sub, args, tok)
		}
		return
	}
	if !h.allowed(args) {
		return
	}
	h.replace(value, args, tok)
}

// nested folds the outcome of a write below the root into tok and advances
// the root timestamp when the write landed.
func (h *Head) nested(sub *ModifyToken, args OpArgs, tok *ModifyToken) {
	tok.join(sub)
	if sub.Level > LevelNothing {
		h.timestamp = maxTimestamp(h.timestamp, args.Timestamp)
	}
}

func (h *Head) replace(value any, args OpArgs, tok *ModifyToken) {
	parsed := Parse(value)
	level := LevelChanged
	if h.present {
		level = tok.overwriteLevel(h.value, parsed)
	}
	h.value = parsed
	h.present = true
	h.timestamp = args.Timestamp
	tok.raise(level)
}

func (h *Head) Delete(sel Selector, args OpArgs, tok *ModifyToken) {
	if len(sel) > 0 {
		if c, ok := h.child(); ok {
			sub := tok.child()
			c.Delete(sel, args, sub)
			h.nested(sub, args, tok)
		}
		return
	}
	if !h.present || !h.allowed(args) {
		return
	}
	h.value = nil
	h.present = false
	h.timestamp = args.Timestamp
	tok.raise(LevelChanged)
}

func (h *Head) mergeWithNew(other Component, merger ValueMerger) bool {
	n, ok := other.(*Head)
	if !ok {
		n = &Head{value: other, present: true}
	}
	if n.timestamp > h.timestamp {
		h.timestamp = n.timestamp
	}
	if !n.present {
		return false
	}
	if !h.present {
		h.value = n.value
		h.present = true
		return true
	}
	merged, changed := mergeChild(h.value, n.value, mergerOr(h.merger, merger))
	h.value = merged
	return changed
}

// MergeWithNew folds other into h and reports whether data changed.
func (h *Head) MergeWithNew(other *Head) bool {
	return h.mergeWithNew(other, nil)
}
