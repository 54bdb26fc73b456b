package registry

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

// Registry is the static catalog of declared interfaces. It is immutable once
// built; a configuration reload produces a new Registry.
type Registry struct {
	interfaces []netrole.Interface
	byName     map[string]int
	extra      []netrole.RoleRequest
}

func New(interfaces []netrole.Interface, extra []netrole.RoleRequest) (*Registry, error) {
	r := &Registry{
		interfaces: make([]netrole.Interface, 0, len(interfaces)),
		byName:     make(map[string]int, len(interfaces)),
		extra:      slices.Clone(extra),
	}
	for _, iface := range interfaces {
		if iface.Name == "" {
			return nil, fmt.Errorf("interface without name")
		}
		if _, exists := r.byName[iface.Name]; exists {
			return nil, fmt.Errorf("interface %s declared twice", iface.Name)
		}
		if iface.DesiredRole == netrole.AccessPoint && iface.AP == nil {
			return nil, fmt.Errorf("interface %s: access-point role requires ap settings", iface.Name)
		}
		if iface.AP != nil && !iface.AP.Subnet.IsValid() {
			return nil, fmt.Errorf("interface %s: invalid ap subnet", iface.Name)
		}
		iface.Capabilities = slices.Clone(iface.Capabilities)
		r.byName[iface.Name] = len(r.interfaces)
		r.interfaces = append(r.interfaces, iface)
	}
	for _, req := range extra {
		if req.Role == netrole.AccessPoint {
			iface, ok := r.Get(req.Interface)
			if ok && iface.AP == nil {
				return nil, fmt.Errorf("assignment %s: access-point role requires ap settings", req)
			}
		}
	}
	return r, nil
}

func (r *Registry) Get(name string) (netrole.Interface, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return netrole.Interface{}, false
	}
	return r.interfaces[idx], true
}

// All returns the interfaces in declaration order.
func (r *Registry) All() []netrole.Interface {
	return slices.Clone(r.interfaces)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.interfaces))
	for _, iface := range r.interfaces {
		names = append(names, iface.Name)
	}
	return names
}

// Groups maps each exclusive group to its member interface names.
func (r *Registry) Groups() map[string][]string {
	groups := make(map[string][]string)
	for _, iface := range r.interfaces {
		groups[iface.Group()] = append(groups[iface.Group()], iface.Name)
	}
	return groups
}

// GroupDualMode reports whether a group may hold access-point and client
// roles at the same time. Every member must declare dual-mode support.
func (r *Registry) GroupDualMode(group string) bool {
	members := 0
	for _, iface := range r.interfaces {
		if iface.Group() != group {
			continue
		}
		members++
		if !iface.DualModeSupported {
			return false
		}
	}
	return members > 0
}

// DesiredRoles builds the desired-role table: one request per interface with
// a non-empty desired role, followed by the extra assignment entries.
func (r *Registry) DesiredRoles() []netrole.RoleRequest {
	reqs := make([]netrole.RoleRequest, 0, len(r.interfaces)+len(r.extra))
	for _, iface := range r.interfaces {
		if iface.DesiredRole == netrole.Unassigned {
			continue
		}
		reqs = append(reqs, netrole.RoleRequest{Interface: iface.Name, Role: iface.DesiredRole})
	}
	return append(reqs, r.extra...)
}

// UplinkCandidates returns the interfaces with a priority, best first.
func (r *Registry) UplinkCandidates() []netrole.Interface {
	out := make([]netrole.Interface, 0, len(r.interfaces))
	for _, iface := range r.interfaces {
		if iface.IsUplinkCandidate() {
			out = append(out, iface)
		}
	}
	slices.SortStableFunc(out, func(a, b netrole.Interface) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
