// Package tree holds the typed component tree backing a databox replica and
// the algorithms that mutate, query and merge it.
package tree

// Kind identifies a component variant.
type Kind uint8

const (
	KindHead Kind = iota
	KindObject
	KindArray
	KindKeyedArray
)

func (k Kind) String() string {
	switch k {
	case KindHead:
		return "head"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindKeyedArray:
		return "keyedArray"
	default:
		return "unknown"
	}
}

// ValueMerger resolves two conflicting scalar leaves during a merge.
type ValueMerger func(oldValue, newValue any) any

// NewWins is the default ValueMerger.
func NewWins(_, newValue any) any { return newValue }

// Comparator orders keyed array elements by their materialized values.
type Comparator func(a, b any) int

// OpArgs are the arguments shared by all tree mutations.
type OpArgs struct {
	Timestamp int64
	If        []IfCondition
	// Potential lets an insert fall back to an update when the target exists,
	// and an update fall back to an insert when it does not.
	Potential bool
	// IfContains names the keyed array element a new element is inserted in
	// front of. The insert is dropped when the anchor is missing.
	IfContains string
}

// Component is the closed set of tree nodes: *Head, *Object, *Array and
// *KeyedArray. Children are either Components or plain scalar values.
type Component interface {
	Kind() Kind

	Insert(sel Selector, value any, args OpArgs, tok *ModifyToken)
	Update(sel Selector, value any, args OpArgs, tok *ModifyToken)
	Delete(sel Selector, args OpArgs, tok *ModifyToken)

	// Data returns the live materialized value. Callers must not mutate it.
	Data() any
	// DataClone returns a deep copy of the materialized value.
	DataClone() any
	// Clone deep-copies the component including timestamps.
	Clone() Component

	// SetValueMerger overrides the merger used for this node's scalar leaves.
	SetValueMerger(m ValueMerger)

	lookup(seg Segment) (any, bool)
	each(fn func(key, child any) bool)
	mergeWithNew(other Component, merger ValueMerger) bool
}

var (
	_ Component = (*Head)(nil)
	_ Component = (*Object)(nil)
	_ Component = (*Array)(nil)
	_ Component = (*KeyedArray)(nil)
)

// childOp is a recursive step into a child component. It reports through
// its own token so each child's outcome is known.
type childOp func(child Component, tok *ModifyToken)

// descend applies op to the component children addressed by seg. Predicate
// segments visit every match unless firstOnly is set. refresh is called with
// ts for every visited child whose subtree was touched.
func descend(node Component, seg Segment, firstOnly bool, ts int64, tok *ModifyToken, op childOp, refresh func(key any, ts int64)) {
	var targets []any
	var children []Component
	if seg.Query == nil {
		child, ok := node.lookup(seg)
		if c, isComp := child.(Component); ok && isComp {
			targets = append(targets, seg.Key)
			children = append(children, c)
		}
	} else {
		node.each(func(key, child any) bool {
			c, isComp := child.(Component)
			if isComp && seg.matches(key, child) {
				targets = append(targets, key)
				children = append(children, c)
				return !firstOnly
			}
			return true
		})
	}

	for i, c := range children {
		sub := tok.child()
		op(c, sub)
		tok.join(sub)
		if sub.Level > LevelNothing {
			refresh(targets[i], ts)
		}
	}
}

// mergerOr returns own when set, else fallback, else NewWins.
func mergerOr(own, fallback ValueMerger) ValueMerger {
	if own != nil {
		return own
	}
	if fallback != nil {
		return fallback
	}
	return NewWins
}
