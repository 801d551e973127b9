package middleware

import (
	"fmt"
	"sort"
)

// Ordered selects the middlewares named in order and sorts them by their
// order value, breaking ties by name. A negative order disables a middleware.
func Ordered(available map[string]Middleware, order map[string]int) ([]Middleware, error) {
	type entry struct {
		name  string
		order int
	}
	entries := make([]entry, 0, len(order))
	for name, pos := range order {
		if pos < 0 {
			continue
		}
		if _, ok := available[name]; !ok {
			return nil, fmt.Errorf("unknown middleware %q", name)
		}
		entries = append(entries, entry{name: name, order: pos})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].order != entries[j].order {
			return entries[i].order < entries[j].order
		}
		return entries[i].name < entries[j].name
	})
	out := make([]Middleware, 0, len(entries))
	for _, e := range entries {
		out = append(out, available[e.name])
	}
	return out, nil
}
