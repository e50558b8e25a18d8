package storage

import (
	"time"

	"github.com/zeusync/databox/internal/core/databox/tree"
)

// Applier applies a batch of operations as one cud sequence.
type Applier interface {
	ApplyAll(ops []Operation)
}

// Seq collects local edits and applies them together on Commit.
// A Seq is not safe for concurrent use.
type Seq struct {
	target Applier
	ops    []Operation
	now    func() time.Time
}

// NewSeq creates a local cud sequence builder for target.
func NewSeq(target Applier) *Seq {
	return &Seq{target: target, now: time.Now}
}

// Seq creates a local cud sequence builder for s.
func (s *Storage) Seq() *Seq {
	return NewSeq(s)
}

func (q *Seq) Insert(sel tree.Selector, value any, opts OpOptions) *Seq {
	q.ops = append(q.ops, newOperation(OpInsert, sel, value, opts))
	return q
}

func (q *Seq) Update(sel tree.Selector, value any, opts OpOptions) *Seq {
	q.ops = append(q.ops, newOperation(OpUpdate, sel, value, opts))
	return q
}

func (q *Seq) Delete(sel tree.Selector, opts OpOptions) *Seq {
	q.ops = append(q.ops, newOperation(OpDelete, sel, nil, opts))
	return q
}

// Len returns the number of pending edits.
func (q *Seq) Len() int { return len(q.ops) }

// Operations returns a copy of the pending edits.
func (q *Seq) Operations() []Operation {
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Commit stamps edits without a timestamp with the local clock in
// milliseconds, applies them and empties the builder.
func (q *Seq) Commit() {
	if len(q.ops) == 0 {
		return
	}
	stamp := q.now().UnixMilli()
	ops := q.ops
	q.ops = nil
	for i := range ops {
		if ops[i].Timestamp == 0 {
			ops[i].Timestamp = stamp
		}
	}
	q.target.ApplyAll(ops)
}
