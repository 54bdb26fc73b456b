// Package memnet is an in-memory host used to drive the resilience core in
// tests: links, addresses and a single default route, with failure injection.
package memnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/osnet"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

type Link struct {
	Up        bool
	Carrier   bool
	Wireless  bool
	Addresses []netip.Prefix
	// Gateway is what a DHCP client would have learned on this link.
	Gateway net.IP
	// ProbeDelay makes LinkStatus block, to simulate a slow driver.
	ProbeDelay time.Duration
}

type Host struct {
	mu        sync.Mutex
	links     map[string]*Link
	route     models.Route
	mutations int
	history   []models.Route
	failRoute map[string]error
	failAll   error
}

func New() *Host {
	return &Host{
		links:     make(map[string]*Link),
		failRoute: make(map[string]error),
	}
}

func (h *Host) AddLink(name string, link Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := link
	l.Addresses = slices.Clone(link.Addresses)
	h.links[name] = &l
}

func (h *Host) RemoveLink(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, name)
}

// SetHealthy sets carrier and address presence in one step.
func (h *Host) SetHealthy(name string, healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	if !ok {
		return
	}
	l.Carrier = healthy
	if healthy && len(l.Addresses) == 0 {
		l.Addresses = []netip.Prefix{netip.MustParsePrefix("10.255.0.2/24")}
	}
	if !healthy {
		l.Addresses = nil
	}
}

func (h *Host) SetProbeDelay(name string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.links[name]; ok {
		l.ProbeDelay = d
	}
}

// FailRouteVia makes SetDefaultRoute fail for routes through the interface.
func (h *Host) FailRouteVia(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failRoute, name)
		return
	}
	h.failRoute[name] = err
}

// FailAllRoutes makes every SetDefaultRoute call fail, rollbacks included.
func (h *Host) FailAllRoutes(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failAll = err
}

// SetAdminRoute changes the default route behind the core's back.
func (h *Host) SetAdminRoute(route models.Route) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.route = route
}

// Mutations counts effective changes made through the mutating primitives.
func (h *Host) Mutations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutations
}

// RouteHistory lists every default route installed through SetDefaultRoute.
func (h *Host) RouteHistory() []models.Route {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.history)
}

func (h *Host) Link(name string) (Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

func (h *Host) LinkStatus(ctx context.Context, name string) (osnet.LinkStatus, error) {
	h.mu.Lock()
	l, ok := h.links[name]
	var (
		status osnet.LinkStatus
		delay  time.Duration
	)
	if ok {
		status = osnet.LinkStatus{
			Exists:    true,
			Up:        l.Up,
			Carrier:   l.Carrier,
			Wireless:  l.Wireless,
			Addresses: slices.Clone(l.Addresses),
		}
		delay = l.ProbeDelay
	}
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return osnet.LinkStatus{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return status, nil
}

func (h *Host) SetInterfaceUp(ctx context.Context, name string) error {
	return h.setUp(name, true)
}

func (h *Host) SetInterfaceDown(ctx context.Context, name string) error {
	return h.setUp(name, false)
}

func (h *Host) setUp(name string, up bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	if !ok {
		if !up {
			return nil
		}
		return fmt.Errorf("link %s not found", name)
	}
	if l.Up == up {
		return nil
	}
	l.Up = up
	h.mutations++
	return nil
}

func (h *Host) AssignAddress(ctx context.Context, name string, addr netip.Prefix) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	if !ok {
		return fmt.Errorf("link %s not found", name)
	}
	if slices.Contains(l.Addresses, addr) {
		return nil
	}
	l.Addresses = append(l.Addresses, addr)
	h.mutations++
	return nil
}

func (h *Host) DefaultRoute(ctx context.Context) (models.Route, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.route, nil
}

func (h *Host) SetDefaultRoute(ctx context.Context, route models.Route) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll != nil {
		return h.failAll
	}
	if err, ok := h.failRoute[route.Interface]; ok {
		return err
	}
	if !route.IsNone() {
		if _, ok := h.links[route.Interface]; !ok {
			return fmt.Errorf("link %s not found", route.Interface)
		}
	}
	if h.route.Equal(route) {
		return nil
	}
	h.route = route
	h.mutations++
	h.history = append(h.history, route)
	return nil
}

func (h *Host) GatewayFor(ctx context.Context, name string) (net.IP, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	if !ok {
		return nil, fmt.Errorf("link %s not found", name)
	}
	return l.Gateway, nil
}

func (h *Host) LiveCapabilities(name string) (netrole.CapabilitySet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	if !ok {
		return nil, false
	}
	if l.Wireless {
		return netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient}, true
	}
	return netrole.CapabilitySet{netrole.CapWired}, true
}
