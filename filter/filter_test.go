package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValuesParamsOmitsZeroFields(t *testing.T) {
	assert.Empty(t, Values{}.Params())

	v := Values{
		StartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Branch:       "north",
		ProductLines: []string{"hardware", "software"},
	}
	p := v.Params()
	assert.Equal(t, "2024-01-01T00:00:00Z", p["startDate"])
	assert.Equal(t, "north", p["branch"])
	assert.Equal(t, []string{"hardware", "software"}, p["productLines"])
	assert.NotContains(t, p, "endDate")
}

func TestValuesParamsClonesSlice(t *testing.T) {
	v := Values{ProductLines: []string{"hardware"}}
	p := v.Params()
	p["productLines"].([]string)[0] = "mutated"
	assert.Equal(t, []string{"hardware"}, v.ProductLines)
}

func TestValuesEqual(t *testing.T) {
	a := Values{Branch: "north", ProductLines: []string{"hardware"}}
	b := Values{Branch: "north", ProductLines: []string{"hardware"}}
	assert.True(t, a.Equal(b))

	b.ProductLines = []string{"software"}
	assert.False(t, a.Equal(b))

	// Equal respects time semantics, not location.
	utc := Values{StartDate: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	offset := Values{StartDate: utc.StartDate.In(time.FixedZone("x", 3600))}
	assert.True(t, utc.Equal(offset))
}

func TestContextUpdateNotifies(t *testing.T) {
	c := NewContext(Values{Branch: "north"})

	var seen []Values
	cancel := c.Subscribe(func(v Values) { seen = append(seen, v) })
	defer cancel()

	c.Update(func(v *Values) { v.Branch = "south" })
	assert.Len(t, seen, 1)
	assert.Equal(t, "south", seen[0].Branch)
	assert.Equal(t, "south", c.Values().Branch)
}

func TestContextNoopUpdateSkipsNotify(t *testing.T) {
	c := NewContext(Values{Branch: "north"})

	notified := 0
	cancel := c.Subscribe(func(Values) { notified++ })
	defer cancel()

	c.Update(func(v *Values) { v.Branch = "north" })
	c.Set(Values{Branch: "north"})
	assert.Zero(t, notified)
}

func TestContextCancelStopsNotifications(t *testing.T) {
	c := NewContext(Values{})

	notified := 0
	cancel := c.Subscribe(func(Values) { notified++ })
	cancel()
	cancel() // idempotent

	c.Set(Values{Branch: "south"})
	assert.Zero(t, notified)
}

func TestContextValuesIsolated(t *testing.T) {
	c := NewContext(Values{ProductLines: []string{"hardware"}})
	got := c.Values()
	got.ProductLines[0] = "mutated"
	assert.Equal(t, []string{"hardware"}, c.Values().ProductLines)
}
