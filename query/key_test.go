package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMakeKeyOrderIndependent(t *testing.T) {
	a := map[string]any{}
	a["startDate"] = "2024-01-01"
	a["branch"] = "north"
	a["groups"] = []string{"hardware", "software"}

	b := map[string]any{}
	b["groups"] = []string{"hardware", "software"}
	b["branch"] = "north"
	b["startDate"] = "2024-01-01"

	assert.Equal(t, MakeKey("revenue", a), MakeKey("revenue", b))
	assert.Equal(t, MakeKey("revenue", a).Canonical(), MakeKey("revenue", b).Canonical())
}

func TestMakeKeyNestedMapsSorted(t *testing.T) {
	a := MakeKey("op", map[string]any{"filter": map[string]any{"x": 1, "y": 2}})
	b := MakeKey("op", map[string]any{"filter": map[string]any{"y": 2, "x": 1}})
	assert.Equal(t, a, b)
}

func TestMakeKeyNilAndEmptyCollapse(t *testing.T) {
	assert.Equal(t, MakeKey("op", nil), MakeKey("op", map[string]any{}))
	assert.Equal(t, "{}", MakeKey("op", nil).Canonical())
}

func TestMakeKeyNilValueSentinel(t *testing.T) {
	a := MakeKey("op", map[string]any{"branch": nil})
	assert.Contains(t, a.Canonical(), "null")
	// A nil-valued parameter is not the same as an absent one.
	assert.NotEqual(t, a, MakeKey("op", nil))
}

func TestMakeKeyArrayOrderSignificant(t *testing.T) {
	a := MakeKey("op", map[string]any{"groups": []string{"a", "b"}})
	b := MakeKey("op", map[string]any{"groups": []string{"b", "a"}})
	assert.NotEqual(t, a, b)
}

func TestMakeKeyOperationDistinguishes(t *testing.T) {
	params := map[string]any{"branch": "north"}
	assert.NotEqual(t, MakeKey("revenue", params), MakeKey("orders", params))
}

func TestMakeKeyMixedValueTypes(t *testing.T) {
	a := MakeKey("op", map[string]any{
		"limit":  25,
		"ratio":  0.5,
		"active": true,
		"since":  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		"tags":   []any{"x", 1},
		"labels": map[string]string{"b": "2", "a": "1"},
	})
	b := MakeKey("op", map[string]any{
		"labels": map[string]string{"a": "1", "b": "2"},
		"tags":   []any{"x", 1},
		"since":  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		"active": true,
		"ratio":  0.5,
		"limit":  25,
	})
	assert.Equal(t, a, b)
}

func TestKeyAccessors(t *testing.T) {
	k := MakeKey("revenue", map[string]any{"branch": "north"})
	assert.Equal(t, "revenue", k.Operation())
	assert.NotZero(t, k.Hash())
	assert.Contains(t, k.String(), "revenue#")
	assert.False(t, k.IsZero())
	assert.True(t, Key{}.IsZero())
}
