package arbiter

import (
	"maps"
	"slices"

	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

// Assignment is an immutable role mapping produced by one full arbitration pass.
type Assignment struct {
	Epoch  uint64
	roles  map[string]netrole.Role
	groups map[string]string
	// Conflicts lists the exclusive groups left unassigned because of a conflict.
	Conflicts []string
}

func emptyAssignment() *Assignment {
	return &Assignment{
		roles:  map[string]netrole.Role{},
		groups: map[string]string{},
	}
}

func (a *Assignment) Role(name string) netrole.Role {
	if a == nil {
		return netrole.Unassigned
	}
	return a.roles[name]
}

func (a *Assignment) Group(name string) string {
	if a == nil {
		return ""
	}
	return a.groups[name]
}

func (a *Assignment) Roles() map[string]netrole.Role {
	if a == nil {
		return map[string]netrole.Role{}
	}
	return maps.Clone(a.roles)
}

// Holders returns the interfaces of a group currently holding the role, sorted.
func (a *Assignment) Holders(group string, role netrole.Role) []string {
	if a == nil {
		return nil
	}
	var out []string
	for name, r := range a.roles {
		if r == role && a.groups[name] == group {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// WithRole returns the interfaces holding the role, sorted.
func (a *Assignment) WithRole(role netrole.Role) []string {
	if a == nil {
		return nil
	}
	var out []string
	for name, r := range a.roles {
		if r == role {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// SameRoles compares the role mappings, ignoring epochs.
func (a *Assignment) SameRoles(b *Assignment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return maps.Equal(a.roles, b.roles)
}

// RoleChange describes one interface whose role differs between two assignments.
type RoleChange struct {
	Interface string
	From      netrole.Role
	To        netrole.Role
}

// Diff lists the interfaces whose role changed from prev to a, sorted by name.
func (a *Assignment) Diff(prev *Assignment) []RoleChange {
	names := make(map[string]struct{})
	for name := range prev.Roles() {
		names[name] = struct{}{}
	}
	for name := range a.Roles() {
		names[name] = struct{}{}
	}
	sorted := slices.Sorted(maps.Keys(names))
	var out []RoleChange
	for _, name := range sorted {
		from, to := prev.Role(name), a.Role(name)
		if from != to {
			out = append(out, RoleChange{Interface: name, From: from, To: to})
		}
	}
	return out
}
