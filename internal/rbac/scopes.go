package rbac

import "sort"

// ScopeSet is a set of permission names.
type ScopeSet map[string]struct{}

// EffectiveScopes is the union of the permissions of every role held by u.
// It does not depend on role order and never mutates u.
func EffectiveScopes(u User) ScopeSet {
	set := make(ScopeSet)
	for _, role := range u.Roles {
		for _, p := range role.Permissions {
			set[p.Name] = struct{}{}
		}
	}
	return set
}

func (s ScopeSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Missing returns the required names absent from s, in the given order.
func (s ScopeSet) Missing(required ...string) []string {
	var missing []string
	for _, r := range required {
		if _, ok := s[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// Sorted returns the names in lexical order.
func (s ScopeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
