package storage

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/zeusync/databox/internal/core/databox/tree"
)

type OpType uint8

const (
	OpInsert OpType = iota + 1
	OpUpdate
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOpType accepts the wire names and their single letter forms.
func ParseOpType(s string) (OpType, error) {
	switch strings.ToLower(s) {
	case "insert", "i":
		return OpInsert, nil
	case "update", "u":
		return OpUpdate, nil
	case "delete", "d":
		return OpDelete, nil
	default:
		return 0, errors.Wrapf(ErrUnknownOperation, "%q", s)
	}
}

// Operation is a single cud operation.
type Operation struct {
	Type       OpType
	Selector   tree.Selector
	Value      any
	Timestamp  int64
	If         []tree.IfCondition
	Potential  bool
	IfContains string
	// Code and Data are opaque annotations passed through to listeners.
	Code any
	Data any
}

// OpOptions are the optional parts of an operation.
type OpOptions struct {
	Timestamp  int64
	If         []tree.IfCondition
	Potential  bool
	IfContains string
	Code       any
	Data       any
}

func newOperation(typ OpType, sel tree.Selector, value any, opts OpOptions) Operation {
	return Operation{
		Type:       typ,
		Selector:   sel,
		Value:      value,
		Timestamp:  opts.Timestamp,
		If:         opts.If,
		Potential:  opts.Potential,
		IfContains: opts.IfContains,
		Code:       opts.Code,
		Data:       opts.Data,
	}
}

func (op Operation) args() tree.OpArgs {
	return tree.OpArgs{
		Timestamp:  op.Timestamp,
		If:         op.If,
		Potential:  op.Potential,
		IfContains: op.IfContains,
	}
}

// ParseOperation decodes the wire form of an operation:
//
//	{"type": "update", "selector": ["users", "u1"], "value": ...,
//	 "timestamp": 1700000000000, "ifConditions": [...], "potential": true,
//	 "ifContains": "u2", "code": ..., "data": ...}
//
// A missing timestamp is filled with defaultTimestamp.
func ParseOperation(raw map[string]any, defaultTimestamp int64) (Operation, error) {
	typeName, ok := raw["type"].(string)
	if !ok {
		return Operation{}, errors.Wrap(ErrInvalidOperation, "missing type")
	}
	typ, err := ParseOpType(typeName)
	if err != nil {
		return Operation{}, err
	}
	sel, err := tree.ParseSelector(raw["selector"])
	if err != nil {
		return Operation{}, errors.Wrap(err, "selector")
	}
	conds, err := tree.ParseIfConditions(raw["ifConditions"])
	if err != nil {
		return Operation{}, errors.Wrap(err, "ifConditions")
	}

	op := Operation{
		Type:      typ,
		Selector:  sel,
		Value:     raw["value"],
		Timestamp: defaultTimestamp,
		If:        conds,
		Code:      raw["code"],
		Data:      raw["data"],
	}
	if ts, ok := timestampOf(raw["timestamp"]); ok {
		op.Timestamp = ts
	}
	op.Potential, _ = raw["potential"].(bool)
	op.IfContains, _ = raw["ifContains"].(string)
	return op, nil
}

func timestampOf(v any) (int64, bool) {
	switch ts := v.(type) {
	case float64:
		return int64(ts), true
	case int64:
		return ts, true
	case int:
		return int64(ts), true
	default:
		return 0, false
	}
}
