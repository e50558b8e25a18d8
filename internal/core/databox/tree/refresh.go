package tree

// Refresh re-caches the materialized data of every node along sel, deepest
// first. It is needed after a node was changed in place outside a mutation
// call, e.g. a keyed array sorted by a newly installed comparator.
func (h *Head) Refresh(sel Selector) {
	if c, ok := h.child(); ok {
		refreshPath(c, sel)
	}
}

func refreshPath(node Component, sel Selector) {
	if len(sel) == 0 {
		return
	}
	var keys []any
	node.each(func(key, child any) bool {
		c, isComp := child.(Component)
		if !isComp || !sel[0].matches(key, child) {
			return true
		}
		refreshPath(c, sel[1:])
		keys = append(keys, key)
		return true
	})

	// a zero timestamp leaves the stored timestamps as they are
	switch n := node.(type) {
	case *Object:
		for _, k := range keys {
			n.refresh(k, 0)
		}
	case *Array:
		for _, k := range keys {
			n.refresh(k, 0)
		}
	case *KeyedArray:
		refresh := n.refresher(NewModifyToken(false))
		for _, k := range keys {
			refresh(k, 0)
		}
	}
}
