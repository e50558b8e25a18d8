package storage

import (
	"github.com/zeusync/databox/internal/core/events/bus"
)

// Event types published on the storage bus.
const (
	EventDataTouch  = "dataTouch"
	EventDataChange = "dataChange"
	EventInsert     = "insert"
	EventUpdate     = "update"
	EventDelete     = "delete"
)

// ReasonKind tells what caused a touch or change.
type ReasonKind uint8

const (
	ReasonCud ReasonKind = iota + 1
	ReasonReload
	ReasonFetch
	ReasonClear
	ReasonCopy
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonCud:
		return "cud"
	case ReasonReload:
		return "reload"
	case ReasonFetch:
		return "fetch"
	case ReasonClear:
		return "clear"
	case ReasonCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// Reason is one cause of a notification. Operation is set for cud reasons.
type Reason struct {
	Kind      ReasonKind
	Operation *Operation
}

// Change is the payload of dataTouch and dataChange events. Outside a
// combined cud sequence it carries a single reason.
type Change struct {
	Reasons []Reason
}

// OnDataTouch subscribes to every mutation that reached the tree, including
// overwrites with equal data.
func (s *Storage) OnDataTouch(fn func(Change)) (bus.Subscription, error) {
	return s.bus.Subscribe(EventDataTouch, changeHandler(fn))
}

// OnDataChange subscribes to mutations that provably changed data.
// Registering one enables deep-equality checks on overwrites.
func (s *Storage) OnDataChange(fn func(Change)) (bus.Subscription, error) {
	return s.bus.Subscribe(EventDataChange, changeHandler(fn))
}

// OnInsert subscribes to applied inserts, including updates that fell back
// to an insert.
func (s *Storage) OnInsert(fn func(Operation)) (bus.Subscription, error) {
	return s.bus.Subscribe(EventInsert, operationHandler(fn))
}

// OnUpdate subscribes to applied updates, including inserts that fell back
// to an update.
func (s *Storage) OnUpdate(fn func(Operation)) (bus.Subscription, error) {
	return s.bus.Subscribe(EventUpdate, operationHandler(fn))
}

// OnDelete subscribes to applied deletes.
func (s *Storage) OnDelete(fn func(Operation)) (bus.Subscription, error) {
	return s.bus.Subscribe(EventDelete, operationHandler(fn))
}

// Off cancels a subscription returned by one of the On methods. Once the
// last dataChange listener is gone overwrites skip the equality check.
func (s *Storage) Off(sub bus.Subscription) error {
	return s.bus.Unsubscribe(sub)
}

func changeHandler(fn func(Change)) bus.EventHandler {
	if fn == nil {
		return nil
	}
	return func(e bus.Event) error {
		if c, ok := e.Data().(Change); ok {
			fn(c)
		}
		return nil
	}
}

func operationHandler(fn func(Operation)) bus.EventHandler {
	if fn == nil {
		return nil
	}
	return func(e bus.Event) error {
		if op, ok := e.Data().(Operation); ok {
			fn(op)
		}
		return nil
	}
}

type pendingEvent struct {
	typ  string
	data any
}

// notifier accumulates the events of one locked section. Inside a combined
// cud sequence touch and change reasons are held back until the sequence ends.
type notifier struct {
	events []pendingEvent
}

func (n *notifier) add(typ string, data any) {
	n.events = append(n.events, pendingEvent{typ: typ, data: data})
}
