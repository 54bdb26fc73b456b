package netrole

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
)

type Role string

const (
	Unassigned  Role = ""
	AccessPoint Role = "access-point"
	Client      Role = "client"
	WiredUplink Role = "wired-uplink"
)

func (r Role) String() string {
	if r == Unassigned {
		return "unassigned"
	}
	return string(r)
}

// IsUplink reports whether an interface holding the role may carry the default route.
func (r Role) IsUplink() bool {
	return r == Client || r == WiredUplink
}

// IsRadio reports whether the role occupies radio hardware exclusively.
func (r Role) IsRadio() bool {
	return r == AccessPoint || r == Client
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unassigned", "none":
		return Unassigned, nil
	case "access-point", "ap":
		return AccessPoint, nil
	case "client", "sta":
		return Client, nil
	case "wired-uplink", "wired":
		return WiredUplink, nil
	}
	return Unassigned, fmt.Errorf("unknown role %q", s)
}

type Capability string

const (
	CapAccessPoint Capability = "access-point"
	CapClient      Capability = "client"
	CapWired       Capability = "wired"
)

func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "access-point", "ap":
		return CapAccessPoint, nil
	case "client", "sta":
		return CapClient, nil
	case "wired":
		return CapWired, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// RequiredCapability returns the capability an interface needs to hold the role.
func (r Role) RequiredCapability() (Capability, bool) {
	switch r {
	case AccessPoint:
		return CapAccessPoint, true
	case Client:
		return CapClient, true
	case WiredUplink:
		return CapWired, true
	}
	return "", false
}

type CapabilitySet []Capability

func (s CapabilitySet) Has(c Capability) bool {
	return slices.Contains(s, c)
}

// Intersect keeps the capabilities present in both sets, preserving the order of s.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, 0, len(s))
	for _, c := range s {
		if other.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

type APSettings struct {
	NetworkID       string
	SharedSecretRef string
	Subnet          netip.Prefix
	Channel         uint8
	Country         string
	// Liveness lists checks run on top of the built-in ones before the
	// access point counts as serving.
	Liveness []LivenessCheck
}

// LivenessCheck names a liveness strategy and carries its JSON settings.
type LivenessCheck struct {
	Strategy string
	Settings []byte
}

// GatewayPrefix is the address the access point itself holds inside its subnet:
// the first host address, keeping the subnet's prefix length.
func (s APSettings) GatewayPrefix() netip.Prefix {
	return netip.PrefixFrom(s.Subnet.Masked().Addr().Next(), s.Subnet.Bits())
}

// Interface is one declared network device. It is created from static
// configuration and never removed at runtime.
type Interface struct {
	Name              string
	Capabilities      CapabilitySet
	ExclusiveGroup    string
	DualModeSupported bool
	DesiredRole       Role
	// Priority orders uplink candidates, lower is preferred. Zero means the
	// interface is not an uplink candidate.
	Priority uint8
	Gateway  net.IP
	AP       *APSettings
}

func (i Interface) IsUplinkCandidate() bool {
	return i.Priority > 0
}

// Group returns the exclusive group, falling back to the interface name so
// every interface belongs to exactly one group.
func (i Interface) Group() string {
	if i.ExclusiveGroup == "" {
		return i.Name
	}
	return i.ExclusiveGroup
}

type RoleRequest struct {
	Interface string
	Role      Role
}

func (r RoleRequest) String() string {
	return fmt.Sprintf("%s=%s", r.Interface, r.Role)
}
