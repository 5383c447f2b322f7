package sqlgen

import (
	"slices"

	"github.com/njoerd114/datastore/internal/model"
)

// SortByDependencyOrder orders schemas so that every belongs-to parent comes
// before its children. Schemas without any belongs-to edge, in or out, come
// last. The result depends only on the set of schemas, not on input order:
// names are visited alphabetically at every step.
func SortByDependencyOrder(schemas []*model.Schema) []*model.Schema {
	byName := make(map[string]*model.Schema, len(schemas))
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		if _, dup := byName[s.Name]; dup {
			continue
		}
		byName[s.Name] = s
		names = append(names, s.Name)
	}
	slices.Sort(names)

	parents := make(map[string][]string, len(names))
	connected := make(map[string]bool, len(names))
	for _, name := range names {
		for _, a := range byName[name].BelongsTo() {
			if a.Target == name {
				continue
			}
			if _, ok := byName[a.Target]; !ok {
				continue
			}
			if !slices.Contains(parents[name], a.Target) {
				parents[name] = append(parents[name], a.Target)
			}
			connected[name] = true
			connected[a.Target] = true
		}
		slices.Sort(parents[name])
	}

	out := make([]*model.Schema, 0, len(names))
	visited := make(map[string]bool, len(names))
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, p := range parents[name] {
			visit(p)
		}
		out = append(out, byName[name])
	}
	for _, name := range names {
		if connected[name] {
			visit(name)
		}
	}
	for _, name := range names {
		if !connected[name] {
			out = append(out, byName[name])
		}
	}
	return out
}
