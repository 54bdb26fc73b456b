package hostapd

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/uplinkd/internal/systemd/memunits"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

func apInterface(secretPath string) netrole.Interface {
	return netrole.Interface{
		Name:        "wlan0",
		DesiredRole: netrole.AccessPoint,
		AP: &netrole.APSettings{
			NetworkID:       "pibox",
			SharedSecretRef: secretPath,
			Subnet:          netip.MustParsePrefix("192.168.50.0/24"),
			Channel:         11,
		},
	}
}

func TestRender(t *testing.T) {
	s := New(Config{RunDir: t.TempDir()}, memunits.New())

	blob, err := s.Render(apInterface(""), "correct horse")
	require.NoError(t, err)
	conf := string(blob)
	assert.Contains(t, conf, "interface=wlan0\n")
	assert.Contains(t, conf, "ssid=pibox\n")
	assert.Contains(t, conf, "channel=11\n")
	assert.Contains(t, conf, "country_code=US\n")
	assert.Contains(t, conf, "wpa_passphrase=correct horse\n")

	_, err = s.Render(apInterface(""), "short")
	assert.Error(t, err)
	_, err = s.Render(apInterface(""), "multi\nline secret")
	assert.Error(t, err)
	_, err = s.Render(netrole.Interface{Name: "wlan0"}, "correct horse")
	assert.Error(t, err)
}

func TestStartWritesConfigAndStartsUnit(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "psk")
	require.NoError(t, os.WriteFile(secret, []byte("correct horse\n"), 0o600))

	units := memunits.New()
	s := New(Config{RunDir: filepath.Join(dir, "run")}, units)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, apInterface(secret)))
	assert.Equal(t, 1, units.Starts("hostapd@wlan0.service"))

	blob, err := os.ReadFile(s.ConfigPath("wlan0"))
	require.NoError(t, err)
	assert.Contains(t, string(blob), "wpa_passphrase=correct horse\n")

	active, err := s.Active(ctx, "wlan0")
	require.NoError(t, err)
	assert.True(t, active)
	live, err := s.Liveness(apInterface(secret))
	require.NoError(t, err)
	ok, err := live.DoHealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Stop(ctx, "wlan0"))
	ok, _ = live.DoHealthCheck(ctx)
	assert.False(t, ok)
}

func TestStartWithoutSecretFails(t *testing.T) {
	units := memunits.New()
	s := New(Config{RunDir: t.TempDir()}, units)

	err := s.Start(context.Background(), apInterface(filepath.Join(t.TempDir(), "missing")))
	require.Error(t, err)
	assert.Equal(t, 0, units.Starts("hostapd@wlan0.service"))
}

func TestLivenessRunsConfiguredChecks(t *testing.T) {
	units := memunits.New()
	s := New(Config{RunDir: t.TempDir()}, units)
	ctx := context.Background()

	iface := apInterface("")
	iface.AP.Liveness = []netrole.LivenessCheck{
		{Strategy: "unit-active", Settings: []byte(`{"Unit":"portal@wlan0.service"}`)},
	}
	units.Set("hostapd@wlan0.service", "active")

	live, err := s.Liveness(iface)
	require.NoError(t, err)
	ok, err := live.DoHealthCheck(ctx)
	assert.Error(t, err)
	assert.False(t, ok)

	units.Set("portal@wlan0.service", "active")
	ok, err = live.DoHealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	iface.AP.Liveness = []netrole.LivenessCheck{{Strategy: "icmp"}}
	_, err = s.Liveness(iface)
	assert.Error(t, err)
}
