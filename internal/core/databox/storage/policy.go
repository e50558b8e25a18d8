package storage

// Policy gates one kind of storage action. It is an ANDed list of
// predicates; an empty policy allows everything.
type Policy[T any] []func(T) bool

// Always returns a constant policy.
func Always[T any](allow bool) Policy[T] {
	return Policy[T]{func(T) bool { return allow }}
}

// When builds a policy from predicates that must all hold.
func When[T any](preds ...func(T) bool) Policy[T] {
	return Policy[T](preds)
}

// And returns a policy that also requires preds.
func (p Policy[T]) And(preds ...func(T) bool) Policy[T] {
	out := make(Policy[T], 0, len(p)+len(preds))
	out = append(out, p...)
	return append(out, preds...)
}

// Allows evaluates the policy.
func (p Policy[T]) Allows(v T) bool {
	for _, pred := range p {
		if pred != nil && !pred(v) {
			return false
		}
	}
	return true
}

// Signal is an out-of-band close or kick-out notification.
type Signal struct {
	Code any
	Data any
}

// FetchData is one fetch result folded into a storage.
type FetchData struct {
	Counter   int64
	Input     any
	Data      any
	Timestamp int64
}

// Middleware holds the policies of a storage.
type Middleware struct {
	DoInsert       Policy[Operation]
	DoUpdate       Policy[Operation]
	DoDelete       Policy[Operation]
	DoReload       Policy[any]
	DoAddFetchData Policy[FetchData]
	ClearOnClose   Policy[Signal]
	ClearOnKickOut Policy[Signal]
}

func (m Middleware) allowsOperation(op Operation) bool {
	switch op.Type {
	case OpInsert:
		return m.DoInsert.Allows(op)
	case OpUpdate:
		return m.DoUpdate.Allows(op)
	case OpDelete:
		return m.DoDelete.Allows(op)
	default:
		return false
	}
}
