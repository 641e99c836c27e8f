package features

import "sort"

// Set is an immutable set of feature identifiers taken from one reference.
type Set struct {
	ids map[string]struct{}
}

// NewSet builds a set from ids, dropping duplicates.
func NewSet(ids []string) Set {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return Set{ids: m}
}

// Contains reports whether id is a member of the set.
func (s Set) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of distinct identifiers.
func (s Set) Len() int {
	return len(s.ids)
}

// Sorted returns the identifiers in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
