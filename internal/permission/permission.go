// Package permission implements capability strings of the form
// verb:scope[:resource-id] and the matching rules used throughout the gateway.
// A holder matches a required permission when its set contains the exact
// string, the verb-wide wildcard "verb:all", or one of the global wildcards
// "admin:all" / "*:all".
package permission

import (
	"sort"
	"strings"
)

// Set is an unordered collection of permission strings.
type Set map[string]struct{}

// NewSet builds a Set from the given permission strings.
func NewSet(perms ...string) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether the set satisfies the required permission. The required
// string is matched exactly, or by the holder's verb:all, admin:all, or *:all.
func (s Set) Has(required string) bool {
	if len(s) == 0 || required == "" {
		return false
	}
	if _, ok := s[required]; ok {
		return true
	}
	if _, ok := s["admin:all"]; ok {
		return true
	}
	if _, ok := s["*:all"]; ok {
		return true
	}
	verb, _, found := strings.Cut(required, ":")
	if !found {
		return false
	}
	_, ok := s[verb+":all"]
	return ok
}

// HasAny reports whether the set satisfies at least one of the required
// permissions. Handlers use this for composed checks such as
// write:task OR write:task:<id>.
func (s Set) HasAny(required ...string) bool {
	for _, r := range required {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// Add inserts a permission string.
func (s Set) Add(perm string) {
	s[perm] = struct{}{}
}

// List returns the permissions in sorted order.
func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Role names with default permission sets.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
	RolePublic  = "public"
)

// ForRole returns the default permission set for a role. Unknown roles get the
// public defaults.
func ForRole(role string) Set {
	switch role {
	case RoleAdmin:
		return NewSet("read:all", "write:all", "delete:all", "manage:users", "manage:system", "subscribe:all")
	case RoleManager:
		return NewSet("read:all", "write:all", "delete:own", "manage:team", "subscribe:all")
	case RoleUser:
		return NewSet("read:assigned", "write:assigned", "delete:own", "subscribe:assigned")
	default:
		return NewSet("read:public", "subscribe:public")
	}
}
