package tree

import (
	"reflect"
	"sort"

	"github.com/goccy/go-json"
)

// KeyArrayMarker is the reserved object key that tags a keyed array on the
// wire. Its value lists the elements as [key, value] pairs or as
// {"key": k, "value": v} objects.
const KeyArrayMarker = "__keyArray"

// KeyValue is one keyed array element.
type KeyValue struct {
	Key   string
	Value any
}

// KeyArray builds the wire form of a keyed array.
func KeyArray(elements ...KeyValue) map[string]any {
	list := make([]any, len(elements))
	for i, e := range elements {
		list[i] = []any{e.Key, e.Value}
	}
	return map[string]any{KeyArrayMarker: list}
}

// Parse converts a raw wire value into tree nodes: objects become *Object,
// lists become *Array, tagged objects become *KeyedArray and scalars are
// returned unchanged. Components are returned as they are.
func Parse(raw any) any {
	switch v := raw.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case Component:
		return v
	case map[string]any:
		if elements, ok := v[KeyArrayMarker]; ok && len(v) == 1 {
			return parseKeyedArray(elements)
		}
		return parseObject(v)
	case []any:
		return parseArray(v)
	default:
		return Parse(normalize(raw))
	}
}

// parseObject orders keys lexically since wire objects carry no order.
func parseObject(m map[string]any) *Object {
	o := NewObject()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		child := Parse(m[k])
		o.keys = append(o.keys, k)
		o.children[k] = child
		o.data[k] = dataOf(child)
	}
	return o
}

func parseArray(list []any) *Array {
	a := &Array{
		items:      make([]any, len(list)),
		timestamps: make([]int64, len(list)),
		data:       make([]any, len(list)),
	}
	for i, v := range list {
		a.items[i] = Parse(v)
		a.data[i] = dataOf(a.items[i])
	}
	return a
}

func parseKeyedArray(raw any) *KeyedArray {
	ka := NewKeyedArray()
	list, ok := raw.([]any)
	if !ok {
		return ka
	}
	for _, element := range list {
		key, value, ok := keyedElement(element)
		if !ok {
			continue
		}
		if _, dup := ka.positions[key]; dup {
			continue
		}
		ka.keys = append(ka.keys, key)
		ka.items = append(ka.items, Parse(value))
		ka.positions[key] = len(ka.keys) - 1
	}
	ka.reindex()
	return ka
}

func keyedElement(element any) (string, any, bool) {
	switch e := element.(type) {
	case []any:
		if len(e) != 2 {
			return "", nil, false
		}
		key, ok := keyString(e[0])
		return key, e[1], ok
	case map[string]any:
		rawKey, ok := e["key"]
		if !ok {
			return "", nil, false
		}
		key, ok := keyString(rawKey)
		return key, e["value"], ok
	default:
		return "", nil, false
	}
}

// normalize turns arbitrary Go values (typed slices, maps, structs) into the
// generic JSON shape by round-tripping through the JSON codec.
func normalize(raw any) any {
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = iter.Value().Interface()
			}
			return out
		}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil
	}
	return generic
}
