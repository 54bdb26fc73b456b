// Package dnsmasq runs the address-leasing and DNS service for an access
// point subnet through the dnsmasq@<iface> unit.
package dnsmasq

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"text/template"
	"time"

	"github.com/Sh00ty/uplinkd/pkg/strategies/tcpconnhc"
)

const (
	StatusActive      = "active"
	StatusUnreachable = "unreachable"

	defaultLeaseTime = 12 * time.Hour
	dnsPort          = 53
)

var confTemplate = template.Must(template.New("dnsmasq").Parse(`# generated by uplinkd, do not edit
interface={{ .Interface }}
bind-interfaces
except-interface=lo
listen-address={{ .Listen }}
dhcp-range={{ .RangeStart }},{{ .RangeEnd }},{{ .Netmask }},{{ .LeaseTime }}
dhcp-option=option:router,{{ .Listen }}
dhcp-option=option:dns-server,{{ .Listen }}
dhcp-authoritative
domain-needed
bogus-priv
`))

type confParams struct {
	Interface  string
	Listen     string
	RangeStart string
	RangeEnd   string
	Netmask    string
	LeaseTime  string
}

type Units interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	ActiveState(ctx context.Context, unit string) (string, error)
}

type Config struct {
	RunDir    string
	LeaseTime time.Duration
	// CheckPort enables the DNS port check in Status.
	CheckPort bool
}

type Service struct {
	cfg   Config
	units Units
}

func New(cfg Config, units Units) *Service {
	if cfg.LeaseTime <= 0 {
		cfg.LeaseTime = defaultLeaseTime
	}
	return &Service{
		cfg:   cfg,
		units: units,
	}
}

func Unit(name string) string {
	return fmt.Sprintf("dnsmasq@%s.service", name)
}

func (s *Service) ConfigPath(name string) string {
	return filepath.Join(s.cfg.RunDir, fmt.Sprintf("dnsmasq-%s.conf", name))
}

// Render builds the leasing configuration. The first host address of the
// subnet is the gateway; leases are handed out from the rest.
func (s *Service) Render(name string, subnet netip.Prefix) ([]byte, error) {
	subnet = subnet.Masked()
	if !subnet.Addr().Is4() || subnet.Bits() > 29 {
		return nil, fmt.Errorf("interface %s: subnet %s is too small for leasing", name, subnet)
	}
	gateway := listenAddr(subnet)
	last := lastHost(subnet)
	params := confParams{
		Interface:  name,
		Listen:     gateway.String(),
		RangeStart: gateway.Next().String(),
		RangeEnd:   last.String(),
		Netmask:    net.IP(net.CIDRMask(subnet.Bits(), 32)).String(),
		LeaseTime:  strconv.Itoa(int(s.cfg.LeaseTime.Seconds())) + "s",
	}
	var buf bytes.Buffer
	if err := confTemplate.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("failed to render dnsmasq config for %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func (s *Service) Enable(ctx context.Context, name string, subnet netip.Prefix) error {
	blob, err := s.Render(name, subnet)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.RunDir, 0o750); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	if err := os.WriteFile(s.ConfigPath(name), blob, 0o644); err != nil {
		return fmt.Errorf("failed to write dnsmasq config for %s: %w", name, err)
	}
	return s.units.Start(ctx, Unit(name))
}

func (s *Service) Disable(ctx context.Context, name string) error {
	return s.units.Stop(ctx, Unit(name))
}

// Status returns "active" when the unit runs and, if port checks are on,
// answers on the DNS port of the subnet gateway. Otherwise it returns the
// unit state or "unreachable".
func (s *Service) Status(ctx context.Context, name string, subnet netip.Prefix) (string, error) {
	state, err := s.units.ActiveState(ctx, Unit(name))
	if err != nil {
		return "", err
	}
	if state != StatusActive || !s.cfg.CheckPort {
		return state, nil
	}
	if !subnet.IsValid() {
		return "", fmt.Errorf("interface %s: no leasing subnet", name)
	}
	port, err := tcpconnhc.NewPortStrategy(&tcpconnhc.PortSettings{
		Network: "tcp",
		Address: netip.AddrPortFrom(listenAddr(subnet), dnsPort).String(),
		Timeout: time.Second,
	})
	if err != nil {
		return "", err
	}
	if ok, _ := port.DoHealthCheck(ctx); !ok {
		return StatusUnreachable, nil
	}
	return StatusActive, nil
}

// listenAddr is the gateway address of the subnet, its first host.
func listenAddr(subnet netip.Prefix) netip.Addr {
	return subnet.Masked().Addr().Next()
}

func lastHost(p netip.Prefix) netip.Addr {
	a := p.Addr().As4()
	hostBits := 32 - p.Bits()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	v |= (1 << hostBits) - 1
	v--
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
