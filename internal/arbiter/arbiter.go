package arbiter

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

// CapabilitySource reports live hardware capabilities. known=false means the
// hardware could not be inspected and the declared capabilities are used as is.
type CapabilitySource interface {
	LiveCapabilities(name string) (caps netrole.CapabilitySet, known bool)
}

// Assign computes a role assignment from scratch. Every interface of a group
// with a conflict is left unassigned; the returned error joins every
// *netrole.ConflictError and *netrole.InvariantViolation found.
func Assign(reg *registry.Registry, live CapabilitySource) (*Assignment, error) {
	out := emptyAssignment()
	for _, iface := range reg.All() {
		out.roles[iface.Name] = netrole.Unassigned
		out.groups[iface.Name] = iface.Group()
	}

	var (
		errs       []error
		requested  = make(map[string][]netrole.Role)
		groupRoles = make(map[string][]netrole.RoleRequest)
		conflicted = make(map[string]*netrole.ConflictError)
	)
	for _, req := range reg.DesiredRoles() {
		iface, ok := reg.Get(req.Interface)
		if !ok {
			errs = append(errs, &netrole.InvariantViolation{
				Interface: req.Interface,
				Detail:    fmt.Sprintf("role %s requested for undeclared interface", req.Role),
			})
			continue
		}
		if slices.Contains(requested[iface.Name], req.Role) {
			continue
		}
		requested[iface.Name] = append(requested[iface.Name], req.Role)
		groupRoles[iface.Group()] = append(groupRoles[iface.Group()], req)
	}

	for _, name := range slices.Sorted(maps.Keys(requested)) {
		iface, _ := reg.Get(name)
		roles := requested[name]
		if len(roles) > 1 {
			conflicted[iface.Group()] = &netrole.ConflictError{
				Group:      iface.Group(),
				Interfaces: []string{name},
				Roles:      roles,
				Reason:     "interface asked to hold more than one role",
			}
			continue
		}
		caps := iface.Capabilities
		if liveCaps, known := liveCapabilities(live, name); known {
			caps = caps.Intersect(liveCaps)
		}
		need, _ := roles[0].RequiredCapability()
		if !caps.Has(need) {
			if _, exists := conflicted[iface.Group()]; exists {
				continue
			}
			conflicted[iface.Group()] = &netrole.ConflictError{
				Group:      iface.Group(),
				Interfaces: []string{name},
				Roles:      roles,
				Reason:     fmt.Sprintf("interface lacks %s capability", need),
			}
		}
	}

	for _, group := range slices.Sorted(maps.Keys(groupRoles)) {
		reqs := groupRoles[group]
		if _, exists := conflicted[group]; exists || len(reqs) < 2 || reg.GroupDualMode(group) {
			continue
		}
		conflict := &netrole.ConflictError{
			Group:  group,
			Reason: "hardware does not support concurrent roles",
		}
		for _, req := range reqs {
			conflict.Interfaces = append(conflict.Interfaces, req.Interface)
			conflict.Roles = append(conflict.Roles, req.Role)
		}
		conflicted[group] = conflict
	}

	for _, group := range slices.Sorted(maps.Keys(conflicted)) {
		errs = append(errs, conflicted[group])
		out.Conflicts = append(out.Conflicts, group)
	}
	for name, roles := range requested {
		if len(roles) != 1 {
			continue
		}
		if _, bad := conflicted[out.groups[name]]; bad {
			continue
		}
		out.roles[name] = roles[0]
	}
	return out, errors.Join(errs...)
}

func liveCapabilities(live CapabilitySource, name string) (netrole.CapabilitySet, bool) {
	if live == nil {
		return nil, false
	}
	return live.LiveCapabilities(name)
}

// Arbiter holds the latest accepted assignment. Reconcile is called only from
// the coordinator loop; Current may be read from any goroutine.
type Arbiter struct {
	current  atomic.Pointer[Assignment]
	accepted bool
	log      zerolog.Logger
}

func New(logger zerolog.Logger) *Arbiter {
	a := &Arbiter{
		log: logger.With().Str("component", "arbiter").Logger(),
	}
	a.current.Store(emptyAssignment())
	return a
}

// Current returns the latest accepted assignment. Callers must read it again
// on every cycle instead of keeping it across ticks.
func (a *Arbiter) Current() *Assignment {
	return a.current.Load()
}

// Reconcile recomputes the assignment. When the new pass has conflicts and an
// assignment was accepted before, the previous assignment stays in effect as
// a whole so no consumer sees roles from two configuration epochs. The very
// first pass is accepted even with conflicts; conflicting groups stay unassigned.
func (a *Arbiter) Reconcile(reg *registry.Registry, live CapabilitySource) (*Assignment, bool, error) {
	next, err := Assign(reg, live)
	prev := a.current.Load()
	if err != nil && a.accepted {
		if !next.SameRoles(prev) {
			a.log.Debug().Err(err).Msgf("role arbitration rejected, keeping assignment epoch %d", prev.Epoch)
		}
		return prev, false, err
	}
	a.accepted = true
	if next.SameRoles(prev) && slices.Equal(next.Conflicts, prev.Conflicts) {
		return prev, false, err
	}
	next.Epoch = prev.Epoch + 1
	a.current.Store(next)
	for _, change := range next.Diff(prev) {
		a.log.Info().
			Str("interface", change.Interface).
			Str("from", change.From.String()).
			Str("to", change.To.String()).
			Uint64("epoch", next.Epoch).
			Msg("role changed")
	}
	return next, true, err
}
