package tree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Segment is one step of a Selector: a literal key or a filter predicate.
type Segment struct {
	Key   string
	Query *Query
}

// IsQuery reports whether the segment is a predicate.
func (s Segment) IsQuery() bool { return s.Query != nil }

func (s Segment) String() string {
	if s.Query != nil {
		return fmt.Sprintf("{key:%v value:%v not:%t}", s.Query.Key, s.Query.Value, s.Query.Not)
	}
	return s.Key
}

// matches reports whether a child at key satisfies the segment.
func (s Segment) matches(key, child any) bool {
	if s.Query == nil {
		k, _ := keyString(key)
		return k == s.Key
	}
	return s.Query.Matches(key, dataOf(child))
}

// Selector is a path into a component tree. An empty selector addresses the
// node itself.
type Selector []Segment

// Path builds a selector of literal keys.
func Path(keys ...string) Selector {
	sel := make(Selector, len(keys))
	for i, k := range keys {
		sel[i] = Segment{Key: k}
	}
	return sel
}

// Where builds a predicate segment.
func Where(q Query) Segment {
	return Segment{Query: &q}
}

// Append returns a new selector with segs appended.
func (s Selector) Append(segs ...Segment) Selector {
	out := make(Selector, 0, len(s)+len(segs))
	out = append(out, s...)
	return append(out, segs...)
}

func (s Selector) String() string {
	parts := make([]string, len(s))
	for i, seg := range s {
		parts[i] = seg.String()
	}
	return strings.Join(parts, ".")
}

// ParseSelector decodes a selector from a dot separated string or a list of
// keys, numbers and predicate objects {"key": c, "value": c, "not": b}.
func ParseSelector(raw any) (Selector, error) {
	switch v := raw.(type) {
	case nil:
		return Selector{}, nil
	case Selector:
		return v, nil
	case string:
		if v == "" {
			return Selector{}, nil
		}
		return Path(strings.Split(v, ".")...), nil
	case []string:
		return Path(v...), nil
	case []any:
		sel := make(Selector, 0, len(v))
		for i, item := range v {
			if m, ok := item.(map[string]any); ok {
				q := parseQuery(m)
				sel = append(sel, Segment{Query: &q})
				continue
			}
			key, ok := keyString(item)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidSelector, "segment %d has type %T", i, item)
			}
			sel = append(sel, Segment{Key: key})
		}
		return sel, nil
	default:
		return nil, errors.Wrapf(ErrInvalidSelector, "unsupported type %T", raw)
	}
}

// parseIndex interprets a literal segment as an array index.
func parseIndex(seg Segment) (int, bool) {
	if seg.Query != nil {
		return 0, false
	}
	idx, err := strconv.Atoi(seg.Key)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Resolve walks sel from root and returns the addressed child, which is a
// Component or a plain value. Predicate segments pick the first match.
func Resolve(root Component, sel Selector) (any, bool) {
	var cur any = root
	if h, ok := root.(*Head); ok {
		if len(sel) == 0 {
			return h, true
		}
		if !h.present {
			return nil, false
		}
		cur = h.value
	}
	for _, seg := range sel {
		c, ok := cur.(Component)
		if !ok {
			return nil, false
		}
		child, found := c.lookup(seg)
		if !found {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// ResolveComponent is Resolve restricted to component results.
func ResolveComponent(root Component, sel Selector) (Component, bool) {
	v, ok := Resolve(root, sel)
	if !ok {
		return nil, false
	}
	c, ok := v.(Component)
	return c, ok
}
