// Package filter holds the dashboard-wide filter selection and notifies
// interested consumers when it changes. A filter change is the primary
// trigger for building new query keys and refreshing cache lookups.
package filter

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Values is one filter selection.
type Values struct {
	StartDate    time.Time
	EndDate      time.Time
	Branch       string
	ProductLines []string
}

// Params renders the selection as query parameters. Zero fields are
// omitted, so an unset filter and a missing one canonicalize to the same
// query key. ProductLines keeps its order; callers that want an
// order-insensitive selection should sort before setting it.
func (v Values) Params() map[string]any {
	p := make(map[string]any, 4)
	if !v.StartDate.IsZero() {
		p["startDate"] = v.StartDate.Format(time.RFC3339)
	}
	if !v.EndDate.IsZero() {
		p["endDate"] = v.EndDate.Format(time.RFC3339)
	}
	if v.Branch != "" {
		p["branch"] = v.Branch
	}
	if len(v.ProductLines) > 0 {
		p["productLines"] = slices.Clone(v.ProductLines)
	}
	return p
}

// Equal reports whether two selections are the same.
func (v Values) Equal(o Values) bool {
	return v.StartDate.Equal(o.StartDate) &&
		v.EndDate.Equal(o.EndDate) &&
		v.Branch == o.Branch &&
		slices.Equal(v.ProductLines, o.ProductLines)
}

func (v Values) clone() Values {
	v.ProductLines = slices.Clone(v.ProductLines)
	return v
}

// Context holds the current selection and fans out changes. Safe for
// concurrent use. Subscribers are notified synchronously, in no particular
// order, and only when the selection actually changed.
type Context struct {
	mu     sync.Mutex
	values Values
	subs   map[string]func(Values)
}

// NewContext returns a Context starting at initial.
func NewContext(initial Values) *Context {
	return &Context{
		values: initial.clone(),
		subs:   make(map[string]func(Values)),
	}
}

// Values returns the current selection.
func (c *Context) Values() Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values.clone()
}

// Update applies mutate to a copy of the current selection and installs
// the result. Subscribers are notified only if the selection changed.
func (c *Context) Update(mutate func(*Values)) {
	c.mu.Lock()
	next := c.values.clone()
	mutate(&next)
	if next.Equal(c.values) {
		c.mu.Unlock()
		return
	}
	c.values = next
	subs := make([]func(Values), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(next.clone())
	}
}

// Set replaces the selection wholesale.
func (c *Context) Set(v Values) {
	c.Update(func(cur *Values) { *cur = v.clone() })
}

// Subscribe registers fn for future changes and returns a cancel function.
// fn must not call back into the Context.
func (c *Context) Subscribe(fn func(Values)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}
