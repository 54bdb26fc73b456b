package registry

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Sh00ty/uplinkd/pkg/netrole"
	"github.com/Sh00ty/uplinkd/pkg/strategies"
)

type fileConfig struct {
	Interfaces  []interfaceConfig  `toml:"interface"`
	Assignments []assignmentConfig `toml:"assignment"`
}

type interfaceConfig struct {
	Name              string    `toml:"name"`
	Capabilities      []string  `toml:"capabilities"`
	ExclusiveGroup    string    `toml:"exclusive_group"`
	DesiredRole       string    `toml:"desired_role"`
	Priority          uint8     `toml:"priority"`
	DualModeSupported bool      `toml:"dual_mode_supported"`
	Gateway           string    `toml:"gateway"`
	AP                *apConfig `toml:"ap"`
}

type apConfig struct {
	NetworkID       string `toml:"network_id"`
	SharedSecretRef string `toml:"shared_secret_ref"`
	Subnet          string `toml:"subnet"`
	Channel         uint8  `toml:"channel"`
	Country         string `toml:"country"`

	Liveness []livenessConfig `toml:"liveness"`
}

// livenessConfig carries strategy settings as a JSON document, the format
// strategies.NewStrategy reads.
type livenessConfig struct {
	Strategy string `toml:"strategy"`
	Settings string `toml:"settings"`
}

type assignmentConfig struct {
	Interface string `toml:"interface"`
	Role      string `toml:"role"`
}

// Load reads the declarative interface catalog from a TOML file.
func Load(path string) (*Registry, error) {
	cfg := fileConfig{}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode interfaces file %s: %w", path, err)
	}
	return fromFile(cfg, md)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (*Registry, error) {
	cfg := fileConfig{}
	md, err := toml.Decode(doc, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode interfaces document: %w", err)
	}
	return fromFile(cfg, md)
}

func fromFile(cfg fileConfig, md toml.MetaData) (*Registry, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in interfaces file: %s", strings.Join(keys, ", "))
	}

	interfaces := make([]netrole.Interface, 0, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		iface, err := ic.toInterface()
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", ic.Name, err)
		}
		interfaces = append(interfaces, iface)
	}
	extra := make([]netrole.RoleRequest, 0, len(cfg.Assignments))
	for _, ac := range cfg.Assignments {
		role, err := netrole.ParseRole(ac.Role)
		if err != nil {
			return nil, fmt.Errorf("assignment for %q: %w", ac.Interface, err)
		}
		if role == netrole.Unassigned {
			continue
		}
		extra = append(extra, netrole.RoleRequest{Interface: ac.Interface, Role: role})
	}
	return New(interfaces, extra)
}

func (ic interfaceConfig) toInterface() (netrole.Interface, error) {
	iface := netrole.Interface{
		Name:              ic.Name,
		ExclusiveGroup:    ic.ExclusiveGroup,
		DualModeSupported: ic.DualModeSupported,
		Priority:          ic.Priority,
	}
	for _, raw := range ic.Capabilities {
		c, err := netrole.ParseCapability(raw)
		if err != nil {
			return netrole.Interface{}, err
		}
		iface.Capabilities = append(iface.Capabilities, c)
	}
	role, err := netrole.ParseRole(ic.DesiredRole)
	if err != nil {
		return netrole.Interface{}, err
	}
	iface.DesiredRole = role

	if ic.Gateway != "" {
		iface.Gateway = net.ParseIP(ic.Gateway)
		if iface.Gateway == nil {
			return netrole.Interface{}, fmt.Errorf("invalid gateway %q", ic.Gateway)
		}
	}
	if ic.AP != nil {
		subnet, err := netip.ParsePrefix(ic.AP.Subnet)
		if err != nil {
			return netrole.Interface{}, fmt.Errorf("invalid ap subnet: %w", err)
		}
		if !subnet.Addr().Is4() {
			return netrole.Interface{}, fmt.Errorf("ap subnet %s is not ipv4", subnet)
		}
		if ic.AP.NetworkID == "" {
			return netrole.Interface{}, fmt.Errorf("ap network_id is empty")
		}
		iface.AP = &netrole.APSettings{
			NetworkID:       ic.AP.NetworkID,
			SharedSecretRef: ic.AP.SharedSecretRef,
			Subnet:          subnet.Masked(),
			Channel:         ic.AP.Channel,
			Country:         ic.AP.Country,
		}
		for i, lc := range ic.AP.Liveness {
			var settings []byte
			if lc.Settings != "" {
				settings = []byte(lc.Settings)
			}
			if err := strategies.Validate(strategies.Name(lc.Strategy), settings); err != nil {
				return netrole.Interface{}, fmt.Errorf("ap liveness check %d: %w", i, err)
			}
			iface.AP.Liveness = append(iface.AP.Liveness, netrole.LivenessCheck{
				Strategy: lc.Strategy,
				Settings: settings,
			})
		}
	}
	return iface, nil
}
