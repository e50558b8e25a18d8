package tree

// Merge deep-merges newValue into oldValue and returns the merged value with
// a flag telling whether data changed. Components of the same kind are
// merged in place; otherwise the new value wins. merger only resolves scalar
// leaves below a component: a bare scalar oldValue is always replaced.
func Merge(oldValue, newValue any, merger ValueMerger) (any, bool) {
	if _, ok := oldValue.(Component); !ok {
		return newValue, !DeepEqual(oldValue, dataOf(newValue))
	}
	return mergeChild(oldValue, newValue, mergerOr(nil, merger))
}

func mergeChild(oldValue, newValue any, merger ValueMerger) (any, bool) {
	oc, oldIsComp := oldValue.(Component)
	nc, newIsComp := newValue.(Component)

	switch {
	case oldIsComp && newIsComp && oc.Kind() == nc.Kind():
		return oc, oc.mergeWithNew(nc, merger)
	case oldIsComp || newIsComp:
		return newValue, !DeepEqual(dataOf(oldValue), dataOf(newValue))
	default:
		merged := merger(oldValue, newValue)
		return merged, !DeepEqual(oldValue, merged)
	}
}

func maxTimestamp(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
