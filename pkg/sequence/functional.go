package sequence

import (
	"iter"
	"sort"
)

// Iterator is a generic, immutable, chainable iterator for any type T.
type Iterator[T any] struct {
	seq iter.Seq[T]
}

// From creates a new Iterator from a slice of T.
func From[T any](data []T) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			for _, v := range data {
				if !yield(v) {
					return
				}
			}
		},
	}
}

// FromSeq wraps a standard library sequence.
func FromSeq[T any](seq iter.Seq[T]) *Iterator[T] {
	return &Iterator[T]{seq: seq}
}

// Seq returns the underlying sequence function for the iterator.
func (i *Iterator[T]) Seq() iter.Seq[T] {
	return i.seq
}

// Collect exhausts the iterator and returns a slice of all elements.
func (i *Iterator[T]) Collect() []T {
	var out []T
	i.seq(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Sort returns a new Iterator with elements sorted according to the provided less function.
// The sort is stable.
// Example: it.Sort(func(a, b Item) bool { return a.Counter < b.Counter })
func (i *Iterator[T]) Sort(less func(a, b T) bool) *Iterator[T] {
	data := i.Collect()
	sort.SliceStable(data, func(a, b int) bool {
		return less(data[a], data[b])
	})
	return From(data)
}

// Filter returns a new Iterator containing only elements that satisfy the predicate.
func (i *Iterator[T]) Filter(pred func(T) bool) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			i.seq(func(v T) bool {
				if pred(v) {
					return yield(v)
				}
				return true
			})
		},
	}
}

// Map lazily transforms every element.
func Map[T any, R any](it *Iterator[T], fn func(T) R) *Iterator[R] {
	return &Iterator[R]{
		seq: func(yield func(R) bool) {
			it.seq(func(v T) bool {
				return yield(fn(v))
			})
		},
	}
}

// Reduce folds the iterator into a single value.
func Reduce[T any, A any](it *Iterator[T], init A, reducer func(A, T) A) A {
	acc := init
	it.seq(func(v T) bool {
		acc = reducer(acc, v)
		return true
	})
	return acc
}

// MinBy returns the element with the smallest key, or false if empty.
// Elements for which key reports false are skipped.
func MinBy[T any, K int64 | float64 | int](it *Iterator[T], key func(T) (K, bool)) (T, bool) {
	var best T
	var bestKey K
	found := false
	it.seq(func(v T) bool {
		k, ok := key(v)
		if !ok {
			return true
		}
		if !found || k < bestKey {
			best, bestKey, found = v, k, true
		}
		return true
	})
	return best, found
}
