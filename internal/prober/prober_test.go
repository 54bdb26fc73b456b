package prober

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/clock"
	"github.com/Sh00ty/uplinkd/internal/osnet/memnet"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]netrole.Interface{
		{Name: "eth0", Capabilities: netrole.CapabilitySet{netrole.CapWired}, DesiredRole: netrole.WiredUplink, Priority: 1},
		{Name: "eth1", Capabilities: netrole.CapabilitySet{netrole.CapWired}, DesiredRole: netrole.WiredUplink, Priority: 4},
		{
			Name:         "wlan0",
			Capabilities: netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			DesiredRole:  netrole.AccessPoint,
			Priority:     2,
			AP:           &netrole.APSettings{NetworkID: "pibox", Subnet: netip.MustParsePrefix("192.168.50.0/24")},
		},
		{Name: "wlan1", Capabilities: netrole.CapabilitySet{netrole.CapClient}, DesiredRole: netrole.Client, Priority: 3},
		{Name: "usb0", Capabilities: netrole.CapabilitySet{netrole.CapWired}},
	}, nil)
	require.NoError(t, err)
	return reg
}

func newTestProber(t *testing.T, host *memnet.Host) *Prober {
	t.Helper()
	reg := testRegistry(t)
	arb := arbiter.New(zerolog.Nop())
	_, _, err := arb.Reconcile(reg, nil)
	require.NoError(t, err)
	return New(Config{Timeout: 50 * time.Millisecond}, reg, host, arb, clock.NewFake(time.Unix(100, 0)), nil, zerolog.Nop())
}

func TestCycleSamplesCandidates(t *testing.T) {
	host := memnet.New()
	host.AddLink("eth0", memnet.Link{Up: true})
	host.SetHealthy("eth0", true)
	host.AddLink("eth1", memnet.Link{Up: true, Carrier: true})
	host.AddLink("wlan0", memnet.Link{Up: true, Wireless: true})
	host.SetHealthy("wlan0", true)
	host.AddLink("usb0", memnet.Link{Up: true})
	host.SetHealthy("usb0", true)

	p := newTestProber(t, host)
	assert.Nil(t, p.Latest())

	snap := p.Cycle(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Cycle)
	assert.Equal(t, uint64(1), snap.Epoch)
	assert.Same(t, snap, p.Latest())

	assert.Len(t, snap.Samples, 3)
	assert.NotContains(t, snap.Samples, "wlan0", "access point interfaces are not probed")
	assert.NotContains(t, snap.Samples, "usb0", "interfaces without priority are not candidates")

	assert.True(t, snap.Healthy("eth0"))

	eth1 := snap.Samples["eth1"]
	assert.True(t, eth1.Exists)
	assert.True(t, eth1.Carrier)
	assert.False(t, eth1.HasAddress)
	assert.False(t, eth1.Healthy)

	wlan1 := snap.Samples["wlan1"]
	assert.False(t, wlan1.Exists)
	assert.False(t, wlan1.Healthy)
	assert.NoError(t, wlan1.Err, "a missing interface is unhealthy, not an error")

	next := p.Cycle(context.Background())
	assert.Equal(t, uint64(2), next.Cycle)
	assert.True(t, snap.Healthy("eth0"), "published snapshots are not mutated")
}

func TestCycleTimeout(t *testing.T) {
	host := memnet.New()
	host.AddLink("eth0", memnet.Link{Up: true, ProbeDelay: time.Second})
	host.SetHealthy("eth0", true)
	host.AddLink("eth1", memnet.Link{Up: true})
	host.SetHealthy("eth1", true)

	p := newTestProber(t, host)
	start := time.Now()
	snap := p.Cycle(context.Background())
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	eth0 := snap.Samples["eth0"]
	assert.False(t, eth0.Healthy)
	assert.True(t, errors.Is(eth0.Err, netrole.ErrProbeTimeout))
	assert.True(t, snap.Healthy("eth1"), "one slow link does not hold back the others")
}

func TestRunPublishesSnapshots(t *testing.T) {
	host := memnet.New()
	host.AddLink("eth0", memnet.Link{Up: true})
	host.SetHealthy("eth0", true)

	p := newTestProber(t, host)
	p.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	snaps := p.Run(ctx)

	first := <-snaps
	second := <-snaps
	assert.Less(t, first.Cycle, second.Cycle)
	assert.True(t, second.Healthy("eth0"))

	cancel()
	for range snaps {
	}
}
