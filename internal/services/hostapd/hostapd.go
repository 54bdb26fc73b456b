// Package hostapd runs one access point per interface through the
// hostapd@<iface> unit. The unit reads the config blob rendered here from
// the runtime directory.
package hostapd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Sh00ty/uplinkd/pkg/netrole"
	"github.com/Sh00ty/uplinkd/pkg/strategies"
	"github.com/Sh00ty/uplinkd/pkg/strategies/tcpconnhc"
	"github.com/Sh00ty/uplinkd/pkg/strategies/unitactive"
)

const (
	defaultChannel = 6
	defaultCountry = "US"
	minPassphrase  = 8
	maxPassphrase  = 63
)

var confTemplate = template.Must(template.New("hostapd").Parse(`# generated by uplinkd, do not edit
interface={{ .Interface }}
driver=nl80211
ctrl_interface={{ .CtrlDir }}
ssid={{ .SSID }}
country_code={{ .Country }}
hw_mode=g
channel={{ .Channel }}
ieee80211n=1
wmm_enabled=1
auth_algs=1
ignore_broadcast_ssid=0
wpa=2
wpa_key_mgmt=WPA-PSK
rsn_pairwise=CCMP
wpa_passphrase={{ .Passphrase }}
`))

type confParams struct {
	Interface  string
	CtrlDir    string
	SSID       string
	Country    string
	Channel    uint8
	Passphrase string
}

type Units interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	ActiveState(ctx context.Context, unit string) (string, error)
}

type Config struct {
	// RunDir receives the rendered config blobs.
	RunDir string
	// CtrlDir is where hostapd creates its control sockets. Empty disables
	// the socket check in the liveness strategy.
	CtrlDir string
}

type Service struct {
	cfg   Config
	units Units
}

func New(cfg Config, units Units) *Service {
	return &Service{
		cfg:   cfg,
		units: units,
	}
}

func Unit(name string) string {
	return fmt.Sprintf("hostapd@%s.service", name)
}

func (s *Service) ConfigPath(name string) string {
	return filepath.Join(s.cfg.RunDir, fmt.Sprintf("hostapd-%s.conf", name))
}

// Render builds the hostapd configuration for the interface.
func (s *Service) Render(iface netrole.Interface, passphrase string) ([]byte, error) {
	if iface.AP == nil {
		return nil, fmt.Errorf("interface %s has no access point settings", iface.Name)
	}
	if iface.AP.NetworkID == "" {
		return nil, fmt.Errorf("interface %s: empty network id", iface.Name)
	}
	if l := len(passphrase); l < minPassphrase || l > maxPassphrase {
		return nil, fmt.Errorf("interface %s: passphrase must be %d..%d characters, got %d", iface.Name, minPassphrase, maxPassphrase, l)
	}
	if strings.ContainsAny(iface.AP.NetworkID+passphrase, "\n\r") {
		return nil, fmt.Errorf("interface %s: network id and passphrase must be single line", iface.Name)
	}
	params := confParams{
		Interface:  iface.Name,
		CtrlDir:    s.cfg.CtrlDir,
		SSID:       iface.AP.NetworkID,
		Country:    iface.AP.Country,
		Channel:    iface.AP.Channel,
		Passphrase: passphrase,
	}
	if params.CtrlDir == "" {
		params.CtrlDir = "/run/hostapd"
	}
	if params.Country == "" {
		params.Country = defaultCountry
	}
	if params.Channel == 0 {
		params.Channel = defaultChannel
	}
	var buf bytes.Buffer
	if err := confTemplate.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("failed to render hostapd config for %s: %w", iface.Name, err)
	}
	return buf.Bytes(), nil
}

// Start writes the config blob and starts the unit. The passphrase is read
// from the file SharedSecretRef points to.
func (s *Service) Start(ctx context.Context, iface netrole.Interface) error {
	if iface.AP == nil {
		return fmt.Errorf("interface %s has no access point settings", iface.Name)
	}
	secret, err := os.ReadFile(iface.AP.SharedSecretRef)
	if err != nil {
		return fmt.Errorf("failed to read shared secret for %s: %w", iface.Name, err)
	}
	blob, err := s.Render(iface, strings.TrimSpace(string(secret)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.RunDir, 0o750); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	if err := writeFileAtomic(s.ConfigPath(iface.Name), blob, 0o600); err != nil {
		return fmt.Errorf("failed to write hostapd config for %s: %w", iface.Name, err)
	}
	return s.units.Start(ctx, Unit(iface.Name))
}

func (s *Service) Stop(ctx context.Context, name string) error {
	return s.units.Stop(ctx, Unit(name))
}

// Active reports whether the unit is running, used to adopt access points
// that survived a daemon restart.
func (s *Service) Active(ctx context.Context, name string) (bool, error) {
	state, err := s.units.ActiveState(ctx, Unit(name))
	if err != nil {
		return false, err
	}
	return state == "active", nil
}

// Liveness passes when the unit is active, its control socket accepts
// connections and every check configured for the access point passes.
func (s *Service) Liveness(iface netrole.Interface) (strategies.Strategy, error) {
	name := iface.Name
	unit, err := unitactive.New(&unitactive.Settings{Unit: Unit(name)}, s.units)
	if err != nil {
		return nil, err
	}
	checks := strategies.All{unit}
	if s.cfg.CtrlDir != "" {
		socket, err := tcpconnhc.NewPortStrategy(&tcpconnhc.PortSettings{
			Network: "unixgram",
			Address: filepath.Join(s.cfg.CtrlDir, name),
		})
		if err != nil {
			return nil, fmt.Errorf("control socket check for %s: %w", name, err)
		}
		checks = append(checks, socket)
	}
	if iface.AP == nil {
		return checks, nil
	}
	for _, c := range iface.AP.Liveness {
		check, err := strategies.NewStrategy(strategies.Name(c.Strategy), c.Settings, s.units)
		if err != nil {
			return nil, fmt.Errorf("liveness check %s for %s: %w", c.Strategy, name, err)
		}
		checks = append(checks, check)
	}
	return checks, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
