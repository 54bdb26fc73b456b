package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/uplinkd/internal/clock"
	"github.com/Sh00ty/uplinkd/internal/faults"
	"github.com/Sh00ty/uplinkd/internal/metrics"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
	"github.com/Sh00ty/uplinkd/pkg/strategies"
)

const (
	DefaultBaseDelay       = 2 * time.Second
	DefaultMaxDelay        = 300 * time.Second
	DefaultCeiling         = 10
	DefaultLivenessTimeout = 15 * time.Second
	DefaultStableAfter     = 2 * time.Minute

	defaultLivenessInterval = 500 * time.Millisecond
	defaultCheckTimeout     = 2 * time.Second
	defaultClientUnit       = "wpa_supplicant@%s.service"
	leasesActive            = "active"
)

type Config struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Ceiling          int
	LivenessTimeout  time.Duration
	LivenessInterval time.Duration
	// StableAfter is how long an access point must keep running before its
	// failure streak and backoff delay are forgotten.
	StableAfter time.Duration
	// ClientUnit is the format of the unit that runs client mode on an
	// interface; an active one blocks the access point from starting.
	ClientUnit string
}

func (c *Config) withDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = defaultLivenessInterval
	}
	if c.StableAfter <= 0 {
		c.StableAfter = DefaultStableAfter
	}
	if c.ClientUnit == "" {
		c.ClientUnit = defaultClientUnit
	}
}

type entry struct {
	iface   netrole.Interface
	state   models.ApProcessState
	backoff *backoff.ExponentialBackOff
}

// Supervisor runs the access point of every interface assigned the
// access-point role. Restarts back off exponentially; after Ceiling
// consecutive failures the interface is Failed until an explicit reset.
// A start only ends a failure streak once the access point has stayed up
// for StableAfter.
//
// Sync, Step, Recover and Reset are called only from the coordinator loop.
// State and Snapshot may be called from any goroutine.
type Supervisor struct {
	cfg      Config
	links    LinkControl
	ap       AccessPoint
	leases   Leases
	units    UnitStates
	roles    RoleSource
	faults   faults.Store
	notifier Notifier
	clk      clock.Clock
	metrics  metrics.Metrics
	log      zerolog.Logger

	reg        *registry.Registry
	openFaults map[string]faults.Fault

	mu      sync.Mutex
	entries map[string]*entry
}

func New(
	cfg Config,
	links LinkControl,
	ap AccessPoint,
	leases Leases,
	units UnitStates,
	roles RoleSource,
	store faults.Store,
	notifier Notifier,
	clk clock.Clock,
	m metrics.Metrics,
	logger zerolog.Logger,
) *Supervisor {
	cfg.withDefaults()
	if store == nil {
		store = faults.Nop{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Supervisor{
		cfg:        cfg,
		links:      links,
		ap:         ap,
		leases:     leases,
		units:      units,
		roles:      roles,
		faults:     store,
		notifier:   notifier,
		clk:        clk,
		metrics:    m,
		log:        logger.With().Str("component", "supervisor").Logger(),
		openFaults: make(map[string]faults.Fault),
		entries:    make(map[string]*entry),
	}
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cfg.MaxDelay,
	}
	b.Reset()
	return b
}

// Recover rebuilds supervisor state from the outside world before the first
// decision: open faults come back as Failed, access points whose service is
// already running are adopted as Running without a restart.
func (s *Supervisor) Recover(ctx context.Context, reg *registry.Registry) error {
	open, err := s.faults.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load fault journal: %w", err)
	}
	for _, f := range open {
		s.openFaults[f.Interface] = f
	}

	s.reg = reg
	now := s.clk.Now()
	for _, name := range s.roles.Current().WithRole(netrole.AccessPoint) {
		iface, ok := reg.Get(name)
		if !ok {
			continue
		}
		e := s.track(iface, now)
		if e.state.Phase == models.ApFailed {
			s.log.Warn().Str("interface", name).Str("reason", e.state.LastError).Msg("access point restored as failed from fault journal")
			continue
		}
		active, err := s.ap.Active(ctx, name)
		if err != nil {
			s.log.Warn().Err(err).Str("interface", name).Msg("failed to read access point state")
			continue
		}
		if active {
			s.setState(e, func(st *models.ApProcessState) {
				st.Phase = models.ApRunning
				st.Since = now
			})
			s.log.Info().Str("interface", name).Msg("adopted running access point")
		}
	}
	return nil
}

// Sync aligns the supervised set with the current assignment: new access
// points are tracked as Stopped, interfaces that lost the role are torn down.
func (s *Supervisor) Sync(ctx context.Context, reg *registry.Registry) {
	s.reg = reg
	now := s.clk.Now()
	assigned := s.roles.Current().WithRole(netrole.AccessPoint)
	for _, name := range assigned {
		iface, ok := reg.Get(name)
		if !ok {
			continue
		}
		s.track(iface, now)
	}

	s.mu.Lock()
	var gone []*entry
	for name, e := range s.entries {
		if !slices.Contains(assigned, name) {
			gone = append(gone, e)
			delete(s.entries, name)
		}
	}
	s.mu.Unlock()

	for _, e := range gone {
		s.teardown(ctx, e.iface.Name)
		if err := s.links.SetInterfaceDown(ctx, e.iface.Name); err != nil {
			s.log.Warn().Err(err).Str("interface", e.iface.Name).Msg("failed to bring access point link down")
		}
		s.log.Info().Str("interface", e.iface.Name).Msg("access point role removed, services stopped")
		s.emitTransition(e.iface.Name, e.state.Phase, models.ApStopped, "role removed")
	}
}

func (s *Supervisor) track(iface netrole.Interface, now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[iface.Name]; ok {
		e.iface = iface
		return e
	}
	e := &entry{
		iface: iface,
		state: models.ApProcessState{
			Interface: iface.Name,
			Phase:     models.ApStopped,
			Since:     now,
		},
		backoff: s.newBackoff(),
	}
	if f, ok := s.openFaults[iface.Name]; ok {
		e.state.Phase = models.ApFailed
		e.state.Failures = f.Failures
		e.state.RestartCount = min(f.Failures, s.cfg.Ceiling)
		e.state.LastError = f.Reason
		e.state.Since = f.OpenedAt
	}
	s.entries[iface.Name] = e
	return e
}

// Step advances every tracked access point by at most one transition.
func (s *Supervisor) Step(ctx context.Context) {
	s.mu.Lock()
	names := slices.Sorted(maps.Keys(s.entries))
	s.mu.Unlock()

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		e, ok := s.entries[name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		switch e.state.Phase {
		case models.ApStopped:
			s.attempt(ctx, e)
		case models.ApBackoff:
			if !s.clk.Now().Before(e.state.NextRetryAt) {
				s.attempt(ctx, e)
			}
		case models.ApRunning:
			s.watch(ctx, e)
		case models.ApFailed, models.ApStarting:
		}
	}
}

// Start starts the access point now, skipping a pending backoff delay. It
// refuses interfaces not assigned the access-point role and Failed ones.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	if role := s.roles.Current().Role(name); role != netrole.AccessPoint {
		return &netrole.InvariantViolation{Interface: name, Detail: fmt.Sprintf("start requested while role is %s", role)}
	}
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return &netrole.InvariantViolation{Interface: name, Detail: "access point is not supervised yet"}
	}
	switch e.state.Phase {
	case models.ApFailed:
		return fmt.Errorf("%s: %w, reset required", name, netrole.ErrServiceFailed)
	case models.ApRunning:
		return nil
	}
	return s.attempt(ctx, e)
}

// Reset is the only way out of Failed. It clears the durable fault and the
// failure counters; the next Step starts the access point.
func (s *Supervisor) Reset(ctx context.Context, name string) error {
	if role := s.roles.Current().Role(name); role != netrole.AccessPoint {
		return &netrole.InvariantViolation{Interface: name, Detail: fmt.Sprintf("reset requested while role is %s", role)}
	}
	if err := s.faults.Clear(ctx, name); err != nil {
		return fmt.Errorf("failed to clear fault of %s: %w", name, err)
	}
	delete(s.openFaults, name)

	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		if s.reg == nil {
			return nil
		}
		iface, ok := s.reg.Get(name)
		if !ok {
			return &netrole.InvariantViolation{Interface: name, Detail: "interface is not declared"}
		}
		s.track(iface, s.clk.Now())
		return nil
	}

	prev := e.state.Phase
	e.backoff.Reset()
	s.setState(e, func(st *models.ApProcessState) {
		if st.Phase != models.ApRunning {
			st.Phase = models.ApStopped
		}
		st.Failures = 0
		st.RestartCount = 0
		st.NextRetryAt = time.Time{}
		st.LastError = ""
		st.Since = s.clk.Now()
	})
	s.log.Info().Str("interface", name).Str("from", string(prev)).Msg("access point reset")
	s.notify(models.Event{
		Type:      models.EventServiceReset,
		Severity:  models.SeverityInfo,
		Interface: name,
		Message:   fmt.Sprintf("access point on %s reset from %s", name, prev),
	})
	return nil
}

// ResetFailed resets every Failed access point, used on configuration reload.
func (s *Supervisor) ResetFailed(ctx context.Context) {
	s.mu.Lock()
	var failed []string
	for name, e := range s.entries {
		if e.state.Phase == models.ApFailed {
			failed = append(failed, name)
		}
	}
	s.mu.Unlock()
	slices.Sort(failed)
	for _, name := range failed {
		if err := s.Reset(ctx, name); err != nil {
			s.log.Error().Err(err).Str("interface", name).Msg("failed to reset access point on reload")
		}
	}
}

func (s *Supervisor) State(name string) (models.ApProcessState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return models.ApProcessState{}, false
	}
	return e.state, true
}

// Snapshot returns the state of every supervised access point, sorted by name.
func (s *Supervisor) Snapshot() []models.ApProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ApProcessState, 0, len(s.entries))
	for _, name := range slices.Sorted(maps.Keys(s.entries)) {
		out = append(out, s.entries[name].state)
	}
	return out
}

// precheck verifies the interface may become an access point right now.
func (s *Supervisor) precheck(ctx context.Context, e *entry) error {
	name := e.iface.Name
	assignment := s.roles.Current()
	if role := assignment.Role(name); role != netrole.AccessPoint {
		return &netrole.InvariantViolation{Interface: name, Detail: fmt.Sprintf("role is %s", role)}
	}
	group := assignment.Group(name)
	if s.reg == nil || !s.reg.GroupDualMode(group) {
		for _, holder := range assignment.Holders(group, netrole.Client) {
			if holder != name {
				return &netrole.InvariantViolation{
					Interface: name,
					Detail:    fmt.Sprintf("%s holds client role in exclusive group %s", holder, group),
				}
			}
		}
	}
	clientUnit := fmt.Sprintf(s.cfg.ClientUnit, name)
	state, err := s.units.ActiveState(ctx, clientUnit)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", clientUnit, err)
	}
	if state == "active" || state == "activating" {
		return &netrole.InvariantViolation{Interface: name, Detail: fmt.Sprintf("%s is %s", clientUnit, state)}
	}
	return nil
}

func (s *Supervisor) attempt(ctx context.Context, e *entry) error {
	name := e.iface.Name
	if err := s.precheck(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("interface", name).Msg("access point start blocked")
		s.fail(ctx, e, err, false)
		return err
	}

	prev := e.state.Phase
	s.setState(e, func(st *models.ApProcessState) {
		st.Phase = models.ApStarting
		st.RestartCount++
		st.Since = s.clk.Now()
	})
	s.emitTransition(name, prev, models.ApStarting, "")
	s.metrics.Increment("supervisor.starts")

	err := s.start(ctx, e.iface)
	if err != nil {
		s.log.Error().Err(err).Str("interface", name).Msg("access point start failed")
		s.fail(ctx, e, err, true)
		return err
	}

	s.setState(e, func(st *models.ApProcessState) {
		st.Phase = models.ApRunning
		st.NextRetryAt = time.Time{}
		st.Since = s.clk.Now()
	})
	s.log.Info().Str("interface", name).Str("network", e.iface.AP.NetworkID).Msg("access point running")
	s.emitTransition(name, models.ApStarting, models.ApRunning, "")
	return nil
}

func (s *Supervisor) start(ctx context.Context, iface netrole.Interface) error {
	name := iface.Name
	if iface.AP == nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "config", Err: errors.New("no access point settings")}
	}
	if err := s.links.SetInterfaceUp(ctx, name); err != nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "link", Err: err}
	}
	if err := s.links.AssignAddress(ctx, name, iface.AP.GatewayPrefix()); err != nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "address", Err: err}
	}
	live, err := s.ap.Liveness(iface)
	if err != nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "liveness", Err: err}
	}
	if err := s.ap.Start(ctx, iface); err != nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "access-point", Err: err}
	}
	if err := strategies.Await(ctx, s.clk, live, s.cfg.LivenessTimeout, s.cfg.LivenessInterval); err != nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "liveness", Err: err}
	}
	if err := s.leases.Enable(ctx, name, iface.AP.Subnet); err != nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "address-leasing", Err: err}
	}
	status, err := s.leases.Status(ctx, name, iface.AP.Subnet)
	if err != nil {
		return &netrole.ServiceStartError{Interface: name, Stage: "address-leasing", Err: err}
	}
	if status != leasesActive {
		return &netrole.ServiceStartError{
			Interface: name,
			Stage:     "address-leasing",
			Err:       fmt.Errorf("address leasing for %s is %s", iface.AP.Subnet, status),
		}
	}
	return nil
}

// watch checks a running access point once; a dead service is an abnormal
// exit and enters backoff. An access point healthy for StableAfter ends its
// failure streak.
func (s *Supervisor) watch(ctx context.Context, e *entry) {
	name := e.iface.Name
	if e.iface.AP == nil {
		s.fail(ctx, e, &netrole.ServiceStartError{Interface: name, Stage: "config", Err: errors.New("no access point settings")}, true)
		return
	}
	live, err := s.ap.Liveness(e.iface)
	if err != nil {
		s.log.Error().Err(err).Str("interface", name).Msg("failed to build liveness check")
		s.fail(ctx, e, &netrole.ServiceStartError{Interface: name, Stage: "liveness", Err: err}, true)
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	alive, err := live.DoHealthCheck(checkCtx)
	if ctx.Err() != nil {
		return
	}
	if !alive {
		if err == nil {
			err = errors.New("liveness check failed")
		}
		s.log.Error().Err(err).Str("interface", name).Msg("access point exited")
		s.fail(ctx, e, &netrole.ServiceStartError{Interface: name, Stage: "running", Err: err}, true)
		return
	}
	status, err := s.leases.Status(checkCtx, name, e.iface.AP.Subnet)
	if err == nil && status != leasesActive {
		err = fmt.Errorf("address leasing is %s", status)
	}
	if err != nil {
		s.log.Error().Err(err).Str("interface", name).Msg("address leasing stopped")
		s.fail(ctx, e, &netrole.ServiceStartError{Interface: name, Stage: "address-leasing", Err: err}, true)
		return
	}
	s.settle(e)
}

// settle forgets the failure streak of an access point that has been
// running for StableAfter.
func (s *Supervisor) settle(e *entry) {
	if e.state.Failures == 0 {
		return
	}
	if s.clk.Now().Before(e.state.Since.Add(s.cfg.StableAfter)) {
		return
	}
	failures := e.state.Failures
	e.backoff.Reset()
	s.setState(e, func(st *models.ApProcessState) {
		st.Failures = 0
		st.RestartCount = 1
		st.LastError = ""
	})
	s.log.Info().
		Str("interface", e.iface.Name).
		Int("failures", failures).
		Dur("running_for", s.clk.Now().Sub(e.state.Since)).
		Msg("access point stable, failure streak cleared")
}

// fail records a failed attempt or an abnormal exit. stop tears the
// half-started services down so the next attempt starts clean.
func (s *Supervisor) fail(ctx context.Context, e *entry, cause error, stop bool) {
	name := e.iface.Name
	if stop {
		s.teardown(ctx, name)
	}
	s.metrics.Increment("supervisor.failures")

	prev := e.state.Phase
	now := s.clk.Now()
	failures := e.state.Failures + 1
	if failures >= s.cfg.Ceiling {
		s.setState(e, func(st *models.ApProcessState) {
			st.Phase = models.ApFailed
			st.Failures = failures
			st.NextRetryAt = time.Time{}
			st.LastError = cause.Error()
			st.Since = now
		})
		f := faults.Fault{Interface: name, Reason: cause.Error(), Failures: failures, OpenedAt: now}
		s.openFaults[name] = f
		if err := s.faults.Open(ctx, f); err != nil {
			s.log.Error().Err(err).Str("interface", name).Msg("failed to persist access point fault")
		}
		s.metrics.Increment("supervisor.failed")
		s.log.WithLevel(zerolog.FatalLevel).
			Err(cause).
			Str("interface", name).
			Int("failures", failures).
			Msg("access point failed permanently, reset required")
		s.emitTransition(name, prev, models.ApFailed, cause.Error())
		s.notify(models.Event{
			Type:      models.EventServiceFailed,
			Severity:  models.SeverityFatal,
			Interface: name,
			Message:   fmt.Sprintf("access point on %s failed after %d attempts: %v", name, failures, cause),
		})
		return
	}

	delay := e.backoff.NextBackOff()
	s.setState(e, func(st *models.ApProcessState) {
		st.Phase = models.ApBackoff
		st.Failures = failures
		st.NextRetryAt = now.Add(delay)
		st.LastError = cause.Error()
		st.Since = now
	})
	s.log.Warn().
		Str("interface", name).
		Int("failures", failures).
		Dur("retry_in", delay).
		Msg("access point backing off")
	s.emitTransition(name, prev, models.ApBackoff, cause.Error())
}

func (s *Supervisor) teardown(ctx context.Context, name string) {
	if err := s.leases.Disable(ctx, name); err != nil {
		s.log.Warn().Err(err).Str("interface", name).Msg("failed to disable address leasing")
	}
	if err := s.ap.Stop(ctx, name); err != nil {
		s.log.Warn().Err(err).Str("interface", name).Msg("failed to stop access point")
	}
}

func (s *Supervisor) setState(e *entry, fn func(*models.ApProcessState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&e.state)
}

func (s *Supervisor) emitTransition(name string, from, to models.ApPhase, reason string) {
	if from == to && to != models.ApBackoff {
		return
	}
	fields := map[string]string{"from": string(from), "to": string(to)}
	if reason != "" {
		fields["reason"] = reason
	}
	severity := models.SeverityInfo
	if to == models.ApBackoff {
		severity = models.SeverityWarn
	}
	s.notify(models.Event{
		Type:      models.EventSupervisorTransition,
		Severity:  severity,
		Interface: name,
		Message:   fmt.Sprintf("access point on %s: %s -> %s", name, from, to),
		Fields:    fields,
	})
}

func (s *Supervisor) notify(ev models.Event) {
	if s.notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.clk.Now()
	}
	s.notifier.Notify(ev)
}
