package supervisor

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/clock"
	"github.com/Sh00ty/uplinkd/internal/faults/filestore"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/osnet/memnet"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/internal/services/dnsmasq"
	"github.com/Sh00ty/uplinkd/internal/services/hostapd"
	"github.com/Sh00ty/uplinkd/internal/systemd/memunits"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

const (
	hostapdUnit = "hostapd@wlan0.service"
	dnsmasqUnit = "dnsmasq@wlan0.service"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	dir    string
	host   *memnet.Host
	units  *memunits.Units
	arb    *arbiter.Arbiter
	reg    *registry.Registry
	store  *filestore.Store
	clk    *clock.Fake
	events *recorder
	sup    *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "psk"), []byte("correct horse battery"), 0o600))

	store, err := filestore.New(filepath.Join(dir, "faults.json"))
	require.NoError(t, err)

	f := &fixture{
		t:      t,
		dir:    dir,
		host:   memnet.New(),
		units:  memunits.New(),
		arb:    arbiter.New(zerolog.Nop()),
		store:  store,
		clk:    clock.NewFake(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)),
		events: &recorder{},
	}
	f.host.AddLink("eth0", memnet.Link{Up: true})
	f.host.AddLink("wlan0", memnet.Link{Wireless: true})
	f.configure(netrole.AccessPoint)
	f.sup = f.newSupervisor()
	return f
}

func (f *fixture) configure(wlanRole netrole.Role) {
	f.t.Helper()
	reg, err := registry.New([]netrole.Interface{
		{Name: "eth0", Capabilities: netrole.CapabilitySet{netrole.CapWired}, DesiredRole: netrole.WiredUplink, Priority: 1},
		{
			Name:           "wlan0",
			Capabilities:   netrole.CapabilitySet{netrole.CapAccessPoint, netrole.CapClient},
			ExclusiveGroup: "radio0",
			DesiredRole:    wlanRole,
			AP: &netrole.APSettings{
				NetworkID:       "pibox",
				SharedSecretRef: filepath.Join(f.dir, "psk"),
				Subnet:          netip.MustParsePrefix("192.168.50.0/24"),
			},
		},
	}, nil)
	require.NoError(f.t, err)
	_, _, err = f.arb.Reconcile(reg, nil)
	require.NoError(f.t, err)
	f.reg = reg
}

func (f *fixture) newSupervisor() *Supervisor {
	return New(
		Config{},
		f.host,
		hostapd.New(hostapd.Config{RunDir: filepath.Join(f.dir, "run")}, f.units),
		dnsmasq.New(dnsmasq.Config{RunDir: filepath.Join(f.dir, "run")}, f.units),
		f.units,
		f.arb,
		f.store,
		f.events,
		f.clk,
		nil,
		zerolog.Nop(),
	)
}

func (f *fixture) state() models.ApProcessState {
	f.t.Helper()
	st, ok := f.sup.State("wlan0")
	require.True(f.t, ok)
	return st
}

// runUntilFailed steps the supervisor, jumping the clock to each retry.
func (f *fixture) runUntilFailed(maxSteps int) []time.Duration {
	f.t.Helper()
	var delays []time.Duration
	for range maxSteps {
		f.sup.Step(context.Background())
		st := f.state()
		if st.Phase == models.ApFailed {
			return delays
		}
		require.Equal(f.t, models.ApBackoff, st.Phase)
		delay := st.NextRetryAt.Sub(f.clk.Now())
		delays = append(delays, delay)
		f.clk.Advance(delay)
	}
	require.FailNow(f.t, "access point never failed")
	return nil
}

func TestStartsAccessPoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sup.Sync(ctx, f.reg)
	assert.Equal(t, models.ApStopped, f.state().Phase)

	f.sup.Step(ctx)
	st := f.state()
	assert.Equal(t, models.ApRunning, st.Phase)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, 0, st.Failures)

	assert.Equal(t, 1, f.units.Starts(hostapdUnit))
	assert.Equal(t, 1, f.units.Starts(dnsmasqUnit))
	link, _ := f.host.Link("wlan0")
	assert.True(t, link.Up)
	assert.Contains(t, link.Addresses, netip.MustParsePrefix("192.168.50.1/24"))

	f.sup.Step(ctx)
	assert.Equal(t, models.ApRunning, f.state().Phase)
	assert.Equal(t, 1, f.units.Starts(hostapdUnit), "a healthy access point is not restarted")
	assert.Len(t, f.events.ofType(models.EventSupervisorTransition), 2)
}

func TestCeilingStopsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.units.FailStart(hostapdUnit, errors.New("nl80211: could not configure driver mode"))

	f.sup.Sync(ctx, f.reg)
	delays := f.runUntilFailed(50)

	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
		64 * time.Second, 128 * time.Second, 256 * time.Second, 300 * time.Second,
	}, delays)

	st := f.state()
	assert.Equal(t, models.ApFailed, st.Phase)
	assert.Equal(t, DefaultCeiling, st.Failures)
	assert.Equal(t, DefaultCeiling, st.RestartCount)
	assert.Equal(t, DefaultCeiling, f.units.Starts(hostapdUnit))

	for range 20 {
		f.clk.Advance(time.Hour)
		f.sup.Step(ctx)
	}
	assert.Equal(t, models.ApFailed, f.state().Phase)
	assert.Equal(t, DefaultCeiling, f.units.Starts(hostapdUnit), "no start after the ceiling")

	open, err := f.store.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "wlan0", open[0].Interface)

	failed := f.events.ofType(models.EventServiceFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.SeverityFatal, failed[0].Severity)

	err = f.sup.Start(ctx, "wlan0")
	assert.True(t, errors.Is(err, netrole.ErrServiceFailed))
}

func TestResetLeavesFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.units.FailStart(hostapdUnit, errors.New("driver busy"))
	f.sup.Sync(ctx, f.reg)
	f.runUntilFailed(50)

	f.units.FailStart(hostapdUnit, nil)
	require.NoError(t, f.sup.Reset(ctx, "wlan0"))
	st := f.state()
	assert.Equal(t, models.ApStopped, st.Phase)
	assert.Equal(t, 0, st.RestartCount)

	f.sup.Step(ctx)
	assert.Equal(t, models.ApRunning, f.state().Phase)

	open, err := f.store.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Len(t, f.events.ofType(models.EventServiceReset), 1)
}

func TestExplicitActionsRequireAccessPointRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sup.Sync(ctx, f.reg)

	var violation *netrole.InvariantViolation
	require.True(t, errors.As(f.sup.Reset(ctx, "eth0"), &violation))
	assert.Equal(t, "eth0", violation.Interface)
	require.True(t, errors.As(f.sup.Start(ctx, "eth0"), &violation))

	require.NoError(t, f.sup.Start(ctx, "wlan0"))
	assert.Equal(t, models.ApRunning, f.state().Phase)
}

func TestActiveClientBlocksStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.units.Set("wpa_supplicant@wlan0.service", memunits.Active)

	f.sup.Sync(ctx, f.reg)
	f.sup.Step(ctx)

	st := f.state()
	assert.Equal(t, models.ApBackoff, st.Phase)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, 0, st.RestartCount)
	assert.Equal(t, 0, f.units.Starts(hostapdUnit))
}

func TestLeasingNotActiveIsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.units.StartsAs(dnsmasqUnit, memunits.Failed)

	f.sup.Sync(ctx, f.reg)
	f.sup.Step(ctx)

	st := f.state()
	assert.Equal(t, models.ApBackoff, st.Phase)
	assert.Contains(t, st.LastError, "address-leasing")
	assert.Equal(t, 1, f.units.Stops(hostapdUnit), "half-started access point is torn down")
}

func TestLivenessTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.units.StartsAs(hostapdUnit, "activating")

	start := f.clk.Now()
	f.sup.Sync(ctx, f.reg)
	f.sup.Step(ctx)

	st := f.state()
	assert.Equal(t, models.ApBackoff, st.Phase)
	assert.Contains(t, st.LastError, "liveness")
	assert.GreaterOrEqual(t, f.clk.Now().Sub(start), DefaultLivenessTimeout)
	assert.Equal(t, 0, f.units.Starts(dnsmasqUnit))
}

func TestCrashedAccessPointBacksOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sup.Sync(ctx, f.reg)
	f.sup.Step(ctx)
	require.Equal(t, models.ApRunning, f.state().Phase)

	f.units.Set(hostapdUnit, memunits.Failed)
	f.sup.Step(ctx)
	st := f.state()
	assert.Equal(t, models.ApBackoff, st.Phase)
	assert.Equal(t, 1, st.Failures)

	f.clk.Advance(DefaultBaseDelay)
	f.sup.Step(ctx)
	st = f.state()
	assert.Equal(t, models.ApRunning, st.Phase)
	assert.Equal(t, 1, st.Failures, "a fresh start does not end the failure streak")
	assert.Equal(t, 2, st.RestartCount)
	assert.Equal(t, 2, f.units.Starts(hostapdUnit))
}

func TestCrashLoopReachesCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sup.Sync(ctx, f.reg)
	f.sup.Step(ctx)
	require.Equal(t, models.ApRunning, f.state().Phase)

	var delays []time.Duration
	for range 100 {
		st := f.state()
		if st.Phase == models.ApFailed {
			break
		}
		switch st.Phase {
		case models.ApRunning:
			// every start succeeds, then the service dies right away
			f.units.Set(hostapdUnit, memunits.Failed)
		case models.ApBackoff:
			delay := st.NextRetryAt.Sub(f.clk.Now())
			delays = append(delays, delay)
			f.clk.Advance(delay)
		}
		f.sup.Step(ctx)
	}

	st := f.state()
	require.Equal(t, models.ApFailed, st.Phase)
	assert.Equal(t, DefaultCeiling, st.Failures)
	assert.LessOrEqual(t, st.RestartCount, DefaultCeiling)
	assert.Equal(t, DefaultCeiling, f.units.Starts(hostapdUnit))
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
		64 * time.Second, 128 * time.Second, 256 * time.Second, 300 * time.Second,
	}, delays)
	require.Len(t, f.events.ofType(models.EventServiceFailed), 1)

	for range 5 {
		f.clk.Advance(time.Hour)
		f.sup.Step(ctx)
	}
	assert.Equal(t, DefaultCeiling, f.units.Starts(hostapdUnit), "no start after the ceiling")
}

func TestStableRunClearsFailureStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sup.Sync(ctx, f.reg)
	f.sup.Step(ctx)

	f.units.Set(hostapdUnit, memunits.Failed)
	f.sup.Step(ctx)
	f.clk.Advance(DefaultBaseDelay)
	f.sup.Step(ctx)
	require.Equal(t, models.ApRunning, f.state().Phase)

	f.clk.Advance(DefaultStableAfter - time.Second)
	f.sup.Step(ctx)
	st := f.state()
	assert.Equal(t, 1, st.Failures, "not running long enough yet")
	assert.NotEmpty(t, st.LastError)

	f.clk.Advance(time.Second)
	f.sup.Step(ctx)
	st = f.state()
	assert.Equal(t, models.ApRunning, st.Phase)
	assert.Equal(t, 0, st.Failures)
	assert.Equal(t, 1, st.RestartCount)
	assert.Empty(t, st.LastError)

	f.units.Set(hostapdUnit, memunits.Failed)
	f.sup.Step(ctx)
	st = f.state()
	require.Equal(t, models.ApBackoff, st.Phase)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, DefaultBaseDelay, st.NextRetryAt.Sub(f.clk.Now()), "backoff starts over")
}

func TestFailedSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.units.FailStart(hostapdUnit, errors.New("driver busy"))
	f.sup.Sync(ctx, f.reg)
	f.runUntilFailed(50)
	starts := f.units.Starts(hostapdUnit)

	f.units.FailStart(hostapdUnit, nil)
	f.sup = f.newSupervisor()
	require.NoError(t, f.sup.Recover(ctx, f.reg))
	f.sup.Sync(ctx, f.reg)

	st := f.state()
	assert.Equal(t, models.ApFailed, st.Phase)
	assert.Equal(t, DefaultCeiling, st.RestartCount)
	for range 5 {
		f.clk.Advance(time.Hour)
		f.sup.Step(ctx)
	}
	assert.Equal(t, starts, f.units.Starts(hostapdUnit))
}

func TestRecoverAdoptsRunningAccessPoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.units.Set(hostapdUnit, memunits.Active)
	f.units.Set(dnsmasqUnit, memunits.Active)

	require.NoError(t, f.sup.Recover(ctx, f.reg))
	f.sup.Sync(ctx, f.reg)
	assert.Equal(t, models.ApRunning, f.state().Phase)

	f.sup.Step(ctx)
	assert.Equal(t, models.ApRunning, f.state().Phase)
	assert.Equal(t, 0, f.units.TotalStarts())
}

func TestRoleRemovalStopsServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sup.Sync(ctx, f.reg)
	f.sup.Step(ctx)
	require.Equal(t, models.ApRunning, f.state().Phase)

	f.configure(netrole.Client)
	f.sup.Sync(ctx, f.reg)

	_, ok := f.sup.State("wlan0")
	assert.False(t, ok)
	assert.Empty(t, f.sup.Snapshot())
	assert.Equal(t, 1, f.units.Stops(hostapdUnit))
	assert.Equal(t, 1, f.units.Stops(dnsmasqUnit))
	link, _ := f.host.Link("wlan0")
	assert.False(t, link.Up, "the radio is released for its new role")
}
