package tree

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Query is a filter predicate over the children of a node. A nil Key or Value
// condition matches anything; use {"$eq": nil} to match null.
type Query struct {
	Key   any
	Value any
	Not   bool
}

// Matches reports whether a child with the given key and materialized value
// satisfies the query.
func (q Query) Matches(key, value any) bool {
	ok := (q.Key == nil || Match(key, q.Key)) && (q.Value == nil || Match(value, q.Value))
	return ok != q.Not
}

// IfCondition gates a cud operation on the current state of the target node.
// A contains condition holds when at least one current child matches Query;
// a matches condition holds when the node's whole value matches Query.Value.
type IfCondition struct {
	Matches bool
	Not     bool
	Query   Query
}

// Contains builds a contains condition.
func Contains(key, value any) IfCondition {
	return IfCondition{Query: Query{Key: key, Value: value}}
}

// Matching builds a matches condition over the whole node value.
func Matching(cond any) IfCondition {
	return IfCondition{Matches: true, Query: Query{Value: cond}}
}

// Negate returns the inverted condition.
func (c IfCondition) Negate() IfCondition {
	c.Not = !c.Not
	return c
}

func (c IfCondition) evaluate(node any) bool {
	var ok bool
	if c.Matches {
		ok = Match(dataOf(node), c.Query.Value)
	} else {
		ok = containsMatch(node, c.Query)
	}
	return ok != c.Not
}

// EvaluateIf ANDs the conditions against node, which is a Component or a
// plain value. No conditions always pass.
func EvaluateIf(node any, conds []IfCondition) bool {
	for _, c := range conds {
		if !c.evaluate(node) {
			return false
		}
	}
	return true
}

func containsMatch(node any, q Query) bool {
	found := false
	eachChild(node, func(key, child any) bool {
		if q.Matches(key, dataOf(child)) {
			found = true
			return false
		}
		return true
	})
	return found
}

// eachChild iterates the children of a component or a plain container value.
func eachChild(node any, fn func(key, child any) bool) {
	switch n := node.(type) {
	case *Head:
		if n.present {
			eachChild(n.value, fn)
		}
	case Component:
		n.each(fn)
	case map[string]any:
		for k, v := range n {
			if !fn(k, v) {
				return
			}
		}
	case []any:
		for i, v := range n {
			if !fn(i, v) {
				return
			}
		}
	}
}

type absentValue struct{}

// absent marks a missing object field during matching.
var absent = absentValue{}

// Match evaluates a condition against a value. Scalars compare by equality,
// maps containing $-operators are evaluated as operator sets and other maps
// are partial object matches.
func Match(value, cond any) bool {
	switch c := cond.(type) {
	case map[string]any:
		if hasOperators(c) {
			return matchOperators(value, c)
		}
		obj, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for field, sub := range c {
			v, exists := obj[field]
			if !exists {
				v = absent
			}
			if !Match(v, sub) {
				return false
			}
		}
		return true
	case *regexp.Regexp:
		s, ok := value.(string)
		return ok && c.MatchString(s)
	case func(any) bool:
		return value != absent && c(value)
	default:
		if value == absent {
			return false
		}
		return DeepEqual(value, cond)
	}
}

func hasOperators(c map[string]any) bool {
	for k := range c {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func matchOperators(value any, ops map[string]any) bool {
	for op, arg := range ops {
		if !matchOperator(value, op, arg) {
			return false
		}
	}
	return true
}

func matchOperator(value any, op string, arg any) bool {
	if op == "$exists" {
		want, _ := arg.(bool)
		return (value != absent) == want
	}
	if op == "$not" {
		return !Match(value, arg)
	}
	if value == absent {
		return op == "$ne" || op == "$nin"
	}

	switch op {
	case "$eq":
		return DeepEqual(value, arg)
	case "$ne":
		return !DeepEqual(value, arg)
	case "$gt":
		c, ok := compareValues(value, arg)
		return ok && c > 0
	case "$gte":
		c, ok := compareValues(value, arg)
		return ok && c >= 0
	case "$lt":
		c, ok := compareValues(value, arg)
		return ok && c < 0
	case "$lte":
		c, ok := compareValues(value, arg)
		return ok && c <= 0
	case "$in":
		return inList(value, arg)
	case "$nin":
		return !inList(value, arg)
	case "$regex":
		s, ok := value.(string)
		if !ok {
			return false
		}
		re, err := compileRegex(arg)
		return err == nil && re.MatchString(s)
	case "$contains":
		return containsValue(value, arg)
	case "$startsWith":
		s, ok := value.(string)
		prefix, isStr := arg.(string)
		return ok && isStr && strings.HasPrefix(s, prefix)
	case "$endsWith":
		s, ok := value.(string)
		suffix, isStr := arg.(string)
		return ok && isStr && strings.HasSuffix(s, suffix)
	case "$and":
		list, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, sub := range list {
			if !Match(value, sub) {
				return false
			}
		}
		return true
	case "$or":
		list, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, sub := range list {
			if Match(value, sub) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func inList(value, arg any) bool {
	list, ok := arg.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if DeepEqual(value, item) {
			return true
		}
	}
	return false
}

func containsValue(value, arg any) bool {
	switch v := value.(type) {
	case string:
		sub, ok := arg.(string)
		return ok && strings.Contains(v, sub)
	case []any:
		for _, item := range v {
			if DeepEqual(item, arg) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := arg.(string)
		if !ok {
			return false
		}
		_, exists := v[key]
		return exists
	default:
		return false
	}
}

var regexCache sync.Map // map[string]*regexp.Regexp

func compileRegex(arg any) (*regexp.Regexp, error) {
	switch p := arg.(type) {
	case *regexp.Regexp:
		return p, nil
	case string:
		if cached, ok := regexCache.Load(p); ok {
			return cached.(*regexp.Regexp), nil
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid $regex %q", p)
		}
		regexCache.Store(p, re)
		return re, nil
	default:
		return nil, ErrInvalidCondition
	}
}

// ParseIfConditions decodes the wire form of if-conditions: a single object or
// a list of objects shaped {"contains": {"key": c, "value": c}, "not": b} or
// {"matches": c, "not": b}.
func ParseIfConditions(raw any) ([]IfCondition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []IfCondition:
		return v, nil
	case IfCondition:
		return []IfCondition{v}, nil
	case map[string]any:
		c, err := parseIfCondition(v)
		if err != nil {
			return nil, err
		}
		return []IfCondition{c}, nil
	case []any:
		out := make([]IfCondition, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, ErrInvalidCondition
			}
			c, err := parseIfCondition(m)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, ErrInvalidCondition
	}
}

func parseIfCondition(m map[string]any) (IfCondition, error) {
	not, _ := m["not"].(bool)
	if cond, ok := m["matches"]; ok {
		return IfCondition{Matches: true, Not: not, Query: Query{Value: cond}}, nil
	}
	if rawQuery, ok := m["contains"]; ok {
		qm, isMap := rawQuery.(map[string]any)
		if !isMap {
			return IfCondition{}, errors.Wrap(ErrInvalidCondition, "contains must be an object")
		}
		return IfCondition{Not: not, Query: parseQuery(qm)}, nil
	}
	return IfCondition{}, errors.Wrap(ErrInvalidCondition, "expected contains or matches")
}

func parseQuery(m map[string]any) Query {
	not, _ := m["not"].(bool)
	return Query{Key: m["key"], Value: m["value"], Not: not}
}
