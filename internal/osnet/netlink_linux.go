package osnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

const sysClassNet = "/sys/class/net"

// Netlink implements the OS primitives on top of rtnetlink. The default route
// it manages is identified by its metric and the static protocol, so routes
// installed by DHCP clients with other metrics are left alone.
type Netlink struct {
	metric int
	log    zerolog.Logger
}

func NewNetlink(routeMetric int, logger zerolog.Logger) *Netlink {
	return &Netlink{
		metric: routeMetric,
		log:    logger.With().Str("component", "netlink").Logger(),
	}
}

func (n *Netlink) LinkStatus(ctx context.Context, name string) (LinkStatus, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return LinkStatus{}, nil
		}
		return LinkStatus{}, fmt.Errorf("failed to get link %s: %w", name, err)
	}
	attrs := link.Attrs()
	status := LinkStatus{
		Exists:   true,
		Up:       attrs.Flags&net.FlagUp != 0,
		Carrier:  attrs.OperState == netlink.OperUp || attrs.RawFlags&unix.IFF_LOWER_UP != 0,
		Wireless: isWireless(name),
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return status, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}
	for _, addr := range addrs {
		if addr.Scope != unix.RT_SCOPE_UNIVERSE {
			continue
		}
		if p, ok := ipNetToPrefix(addr.IPNet); ok {
			status.Addresses = append(status.Addresses, p)
		}
	}
	return status, nil
}

func (n *Netlink) SetInterfaceUp(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to set %s up: %w", name, err)
	}
	n.log.Info().Str("interface", name).Msg("link set up")
	return nil
}

func (n *Netlink) SetInterfaceDown(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return nil
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("failed to set %s down: %w", name, err)
	}
	n.log.Info().Str("interface", name).Msg("link set down")
	return nil
}

func (n *Netlink) AssignAddress(ctx context.Context, name string, addr netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}
	// replace is a no-op for an address that is already present
	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: prefixToIPNet(addr)}); err != nil {
		return fmt.Errorf("failed to assign %s to %s: %w", addr, name, err)
	}
	return nil
}

// DefaultRoute returns the default route the kernel currently prefers
// (lowest metric in the main table).
func (n *Netlink) DefaultRoute(ctx context.Context) (models.Route, error) {
	routes, err := n.defaultRoutes(nil)
	if err != nil {
		return models.Route{}, err
	}
	var best *netlink.Route
	for i := range routes {
		if best == nil || routes[i].Priority < best.Priority {
			best = &routes[i]
		}
	}
	if best == nil {
		return models.Route{}, nil
	}
	link, err := netlink.LinkByIndex(best.LinkIndex)
	if err != nil {
		return models.Route{}, fmt.Errorf("failed to resolve link index %d: %w", best.LinkIndex, err)
	}
	return models.Route{Interface: link.Attrs().Name, Gateway: best.Gw}, nil
}

func (n *Netlink) SetDefaultRoute(ctx context.Context, route models.Route) error {
	managed, err := n.managedRoutes()
	if err != nil {
		return err
	}
	if route.IsNone() {
		for i := range managed {
			if err := netlink.RouteDel(&managed[i]); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("failed to delete default route: %w", err)
			}
		}
		return nil
	}

	link, err := netlink.LinkByName(route.Interface)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", route.Interface, err)
	}
	for _, r := range managed {
		if r.LinkIndex == link.Attrs().Index && r.Gw.Equal(route.Gateway) {
			return nil
		}
	}
	desired := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        route.Gateway,
		Priority:  n.metric,
		Protocol:  netlink.RouteProtocol(unix.RTPROT_STATIC),
		Table:     unix.RT_TABLE_MAIN,
		Scope:     netlink.SCOPE_UNIVERSE,
	}
	if route.Gateway == nil {
		desired.Scope = netlink.SCOPE_LINK
	}
	// same destination, table and metric: the kernel swaps the route in one step
	if err := netlink.RouteReplace(desired); err != nil {
		return fmt.Errorf("failed to replace default route with %s: %w", route, err)
	}
	return nil
}

// GatewayFor returns the gateway of a default route some other agent (usually
// a DHCP client) installed on the link, or nil if there is none.
func (n *Netlink) GatewayFor(ctx context.Context, name string) (net.IP, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get link %s: %w", name, err)
	}
	routes, err := n.defaultRoutes(link)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		if r.Priority == n.metric || r.Gw == nil {
			continue
		}
		return r.Gw, nil
	}
	return nil, nil
}

// LiveCapabilities derives capabilities from sysfs. Links that do not exist
// yet are reported as unknown so the declared capabilities apply.
func (n *Netlink) LiveCapabilities(name string) (netrole.CapabilitySet, bool) {
	if _, err := os.Stat(filepath.Join(sysClassNet, name)); err != nil {
		return nil, false
	}
	if isWireless(name) {
		return netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient}, true
	}
	return netrole.CapabilitySet{netrole.CapWired}, true
}

func (n *Netlink) defaultRoutes(link netlink.Link) ([]netlink.Route, error) {
	routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	out := routes[:0]
	for _, r := range routes {
		if isDefault(r) && (r.Table == 0 || r.Table == unix.RT_TABLE_MAIN) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (n *Netlink) managedRoutes() ([]netlink.Route, error) {
	routes, err := n.defaultRoutes(nil)
	if err != nil {
		return nil, err
	}
	out := routes[:0]
	for _, r := range routes {
		if r.Priority == n.metric && int(r.Protocol) == unix.RTPROT_STATIC {
			out = append(out, r)
		}
	}
	return out, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}

func isWireless(name string) bool {
	for _, marker := range []string{"wireless", "phy80211"} {
		if _, err := os.Stat(filepath.Join(sysClassNet, name, marker)); err == nil {
			return true
		}
	}
	return false
}
