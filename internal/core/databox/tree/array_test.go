package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseArrayValue(t *testing.T, raw []any) *Array {
	t.Helper()
	a, ok := Parse(raw).(*Array)
	require.True(t, ok)
	return a
}

func TestArrayDeleteDefaultsToLast(t *testing.T) {
	a := parseArrayValue(t, []any{"a", "b", "c"})

	tok := NewModifyToken(false)
	a.Delete(Selector{}, OpArgs{}, tok)

	assert.Equal(t, LevelChanged, tok.Level)
	assert.Equal(t, []any{"a", "b"}, a.Data())

	tok = NewModifyToken(false)
	a.Delete(Path(""), OpArgs{}, tok)
	assert.Equal(t, []any{"a"}, a.Data())
}

func TestArrayInsert(t *testing.T) {
	a := parseArrayValue(t, []any{"a"})

	tok := NewModifyToken(false)
	a.Insert(Selector{}, "b", OpArgs{Timestamp: 1}, tok)
	assert.Equal(t, LevelChanged, tok.Level)

	a.Insert(Path("2"), "c", OpArgs{Timestamp: 1}, NewModifyToken(false))
	assert.Equal(t, []any{"a", "b", "c"}, a.Data())

	t.Run("no holes", func(t *testing.T) {
		tok := NewModifyToken(false)
		a.Insert(Path("9"), "z", OpArgs{Timestamp: 1}, tok)
		assert.Equal(t, LevelNothing, tok.Level)
		assert.Equal(t, 3, a.Len())
	})

	t.Run("occupied index", func(t *testing.T) {
		tok := NewModifyToken(false)
		a.Insert(Path("0"), "x", OpArgs{Timestamp: 1}, tok)
		assert.Equal(t, LevelNothing, tok.Level)

		tok = NewModifyToken(false)
		a.Insert(Path("0"), "x", OpArgs{Timestamp: 1, Potential: true}, tok)
		assert.True(t, tok.Potential)
		assert.Equal(t, "x", a.Data().([]any)[0])
	})

	t.Run("not an index", func(t *testing.T) {
		tok := NewModifyToken(false)
		a.Insert(Path("name"), "x", OpArgs{Timestamp: 1}, tok)
		assert.Equal(t, LevelNothing, tok.Level)
	})
}

func TestArrayUpdate(t *testing.T) {
	a := parseArrayValue(t, []any{1, 2, 3})

	tok := NewModifyToken(true)
	a.Update(Path("1"), 20, OpArgs{Timestamp: 1}, tok)
	assert.Equal(t, LevelChanged, tok.Level)
	assert.Equal(t, []any{1, 20, 3}, a.Data())

	tok = NewModifyToken(false)
	a.Update(Path("3"), 4, OpArgs{Timestamp: 1}, tok)
	assert.Equal(t, LevelNothing, tok.Level)

	tok = NewModifyToken(false)
	a.Update(Path("3"), 4, OpArgs{Timestamp: 1, Potential: true}, tok)
	assert.True(t, tok.Potential)
	assert.Equal(t, []any{1, 20, 3, 4}, a.Data())

	tok = NewModifyToken(false)
	a.Update(Path("1"), 0, OpArgs{Timestamp: 0}, tok)
	assert.Equal(t, LevelNothing, tok.Level, "older write must be rejected")
}

func TestArrayPredicateDelete(t *testing.T) {
	a := parseArrayValue(t, []any{"a", "b", "c", "a"})

	tok := NewModifyToken(false)
	a.Delete(Selector{Where(Query{Value: map[string]any{"$in": []any{"a", "c"}}})}, OpArgs{}, tok)

	assert.Equal(t, LevelChanged, tok.Level)
	assert.Equal(t, []any{"b"}, a.Data())
}

func TestArrayNestedUpdateByPredicate(t *testing.T) {
	a := parseArrayValue(t, []any{
		map[string]any{"id": 1, "done": false},
		map[string]any{"id": 2, "done": false},
	})

	tok := NewModifyToken(true)
	sel := Selector{Where(Query{Value: map[string]any{"id": 2}}), {Key: "done"}}
	a.Update(sel, true, OpArgs{Timestamp: 1}, tok)

	require.Equal(t, LevelChanged, tok.Level)
	data := a.Data().([]any)
	assert.Equal(t, false, data[0].(map[string]any)["done"])
	assert.Equal(t, true, data[1].(map[string]any)["done"])
}

func TestArrayIfConditions(t *testing.T) {
	a := parseArrayValue(t, []any{"x"})

	tok := NewModifyToken(false)
	a.Insert(Selector{}, "y", OpArgs{If: []IfCondition{Contains(nil, "missing")}}, tok)
	assert.Equal(t, LevelNothing, tok.Level)

	a.Insert(Selector{}, "y", OpArgs{If: []IfCondition{Contains(nil, "missing").Negate()}}, tok)
	assert.Equal(t, LevelChanged, tok.Level)
	assert.Equal(t, []any{"x", "y"}, a.Data())
}
