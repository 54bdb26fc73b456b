package arbiter

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

var apSettings = &netrole.APSettings{
	NetworkID: "pibox",
	Subnet:    netip.MustParsePrefix("192.168.50.0/24"),
}

type staticCaps map[string]netrole.CapabilitySet

func (s staticCaps) LiveCapabilities(name string) (netrole.CapabilitySet, bool) {
	caps, ok := s[name]
	return caps, ok
}

func mustRegistry(t *testing.T, ifaces []netrole.Interface, extra ...netrole.RoleRequest) *registry.Registry {
	t.Helper()
	reg, err := registry.New(ifaces, extra)
	require.NoError(t, err)
	return reg
}

func TestAssignRadioAliasConflict(t *testing.T) {
	reg := mustRegistry(t, []netrole.Interface{
		{
			Name:         "eth0",
			Capabilities: netrole.CapabilitySet{netrole.CapWired},
			DesiredRole:  netrole.WiredUplink,
			Priority:     1,
		},
		{
			Name:           "wlan0",
			Capabilities:   netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			ExclusiveGroup: "radio0",
			DesiredRole:    netrole.AccessPoint,
			AP:             apSettings,
		},
		{
			Name:           "wlan0sta",
			Capabilities:   netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			ExclusiveGroup: "radio0",
			DesiredRole:    netrole.Client,
			Priority:       2,
		},
	})

	got, err := Assign(reg, nil)
	require.Error(t, err)

	var conflict *netrole.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "radio0", conflict.Group)
	assert.Equal(t, []string{"radio0"}, netrole.ConflictGroups(err))
	assert.Equal(t, []string{"radio0"}, got.Conflicts)

	assert.Equal(t, netrole.Unassigned, got.Role("wlan0"))
	assert.Equal(t, netrole.Unassigned, got.Role("wlan0sta"))
	assert.Equal(t, netrole.WiredUplink, got.Role("eth0"))
}

func TestAssignDualModeGroup(t *testing.T) {
	reg := mustRegistry(t, []netrole.Interface{
		{
			Name:              "wlan0",
			Capabilities:      netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			ExclusiveGroup:    "radio0",
			DualModeSupported: true,
			DesiredRole:       netrole.AccessPoint,
			AP:                apSettings,
		},
		{
			Name:              "wlan0sta",
			Capabilities:      netrole.CapabilitySet{netrole.CapClient},
			ExclusiveGroup:    "radio0",
			DualModeSupported: true,
			DesiredRole:       netrole.Client,
			Priority:          2,
		},
	})

	got, err := Assign(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, netrole.AccessPoint, got.Role("wlan0"))
	assert.Equal(t, netrole.Client, got.Role("wlan0sta"))
	assert.Equal(t, []string{"wlan0"}, got.Holders("radio0", netrole.AccessPoint))
}

func TestAssignTwoRolesOnOneInterface(t *testing.T) {
	reg := mustRegistry(t, []netrole.Interface{
		{
			Name:              "wlan0",
			Capabilities:      netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			DualModeSupported: true,
			DesiredRole:       netrole.AccessPoint,
			AP:                apSettings,
		},
	}, netrole.RoleRequest{Interface: "wlan0", Role: netrole.Client})

	got, err := Assign(reg, nil)
	var conflict *netrole.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "wlan0", conflict.Group)
	assert.ElementsMatch(t, []netrole.Role{netrole.AccessPoint, netrole.Client}, conflict.Roles)
	assert.Equal(t, netrole.Unassigned, got.Role("wlan0"))
}

func TestAssignDuplicateIdenticalRequestIsNotAConflict(t *testing.T) {
	reg := mustRegistry(t, []netrole.Interface{
		{
			Name:         "eth0",
			Capabilities: netrole.CapabilitySet{netrole.CapWired},
			DesiredRole:  netrole.WiredUplink,
		},
	}, netrole.RoleRequest{Interface: "eth0", Role: netrole.WiredUplink})

	got, err := Assign(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, netrole.WiredUplink, got.Role("eth0"))
}

func TestAssignCapabilityChecks(t *testing.T) {
	reg := mustRegistry(t, []netrole.Interface{
		{
			Name:         "wlan0",
			Capabilities: netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			DesiredRole:  netrole.AccessPoint,
			AP:           apSettings,
		},
		{
			Name:         "eth0",
			Capabilities: netrole.CapabilitySet{netrole.CapWired},
			DesiredRole:  netrole.Client,
		},
	})

	got, err := Assign(reg, staticCaps{"wlan0": {netrole.CapClient}})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"wlan0", "eth0"}, netrole.ConflictGroups(err))
	assert.Equal(t, netrole.Unassigned, got.Role("wlan0"))
	assert.Equal(t, netrole.Unassigned, got.Role("eth0"))

	got, err = Assign(reg, staticCaps{"wlan0": {netrole.CapAccessPoint, netrole.CapClient}})
	require.Error(t, err)
	assert.Equal(t, []string{"eth0"}, netrole.ConflictGroups(err))
	assert.Equal(t, netrole.AccessPoint, got.Role("wlan0"))
}

func TestAssignUndeclaredInterface(t *testing.T) {
	reg := mustRegistry(t, nil, netrole.RoleRequest{Interface: "ghost0", Role: netrole.Client})

	_, err := Assign(reg, nil)
	var violation *netrole.InvariantViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "ghost0", violation.Interface)
}

func TestAssignIsPure(t *testing.T) {
	reg := mustRegistry(t, []netrole.Interface{
		{Name: "eth0", Capabilities: netrole.CapabilitySet{netrole.CapWired}, DesiredRole: netrole.WiredUplink, Priority: 1},
		{Name: "wlan1", Capabilities: netrole.CapabilitySet{netrole.CapClient}, DesiredRole: netrole.Client, Priority: 2},
	})
	first, err := Assign(reg, nil)
	require.NoError(t, err)
	second, err := Assign(reg, nil)
	require.NoError(t, err)
	assert.True(t, first.SameRoles(second))
}

func TestArbiterKeepsLastKnownGoodOnConflict(t *testing.T) {
	good := mustRegistry(t, []netrole.Interface{
		{Name: "eth0", Capabilities: netrole.CapabilitySet{netrole.CapWired}, DesiredRole: netrole.WiredUplink, Priority: 1},
		{
			Name:           "wlan0",
			Capabilities:   netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			ExclusiveGroup: "radio0",
			DesiredRole:    netrole.AccessPoint,
			AP:             apSettings,
		},
	})
	bad := mustRegistry(t, []netrole.Interface{
		{Name: "eth0", Capabilities: netrole.CapabilitySet{netrole.CapWired}, DesiredRole: netrole.Unassigned, Priority: 1},
		{
			Name:           "wlan0",
			Capabilities:   netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			ExclusiveGroup: "radio0",
			DesiredRole:    netrole.AccessPoint,
			AP:             apSettings,
		},
	}, netrole.RoleRequest{Interface: "wlan0", Role: netrole.Client})

	arb := New(zerolog.Nop())
	got, changed, err := arb.Reconcile(good, nil)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, uint64(1), got.Epoch)

	got, changed, err = arb.Reconcile(good, nil)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, uint64(1), got.Epoch)

	got, changed, err = arb.Reconcile(bad, nil)
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), got.Epoch)
	assert.Equal(t, netrole.WiredUplink, arb.Current().Role("eth0"))
	assert.Equal(t, netrole.AccessPoint, arb.Current().Role("wlan0"))
}

func TestArbiterAcceptsPartialAssignmentOnFirstPass(t *testing.T) {
	reg := mustRegistry(t, []netrole.Interface{
		{Name: "eth0", Capabilities: netrole.CapabilitySet{netrole.CapWired}, DesiredRole: netrole.WiredUplink, Priority: 1},
		{
			Name:           "wlan0",
			Capabilities:   netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			ExclusiveGroup: "radio0",
			DesiredRole:    netrole.AccessPoint,
			AP:             apSettings,
		},
	}, netrole.RoleRequest{Interface: "wlan0", Role: netrole.Client})

	arb := New(zerolog.Nop())
	got, changed, err := arb.Reconcile(reg, nil)
	require.Error(t, err)
	assert.True(t, changed)
	assert.Equal(t, netrole.WiredUplink, got.Role("eth0"))
	assert.Equal(t, netrole.Unassigned, got.Role("wlan0"))
	assert.Equal(t, []string{"radio0"}, got.Conflicts)
}

func TestAssignmentDiff(t *testing.T) {
	prev := &Assignment{roles: map[string]netrole.Role{"eth0": netrole.WiredUplink, "wlan0": netrole.Client}}
	next := &Assignment{roles: map[string]netrole.Role{"eth0": netrole.WiredUplink, "wlan0": netrole.AccessPoint}}

	assert.Equal(t, []RoleChange{
		{Interface: "wlan0", From: netrole.Client, To: netrole.AccessPoint},
	}, next.Diff(prev))
}
