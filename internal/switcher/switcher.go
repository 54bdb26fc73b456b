package switcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/clock"
	"github.com/Sh00ty/uplinkd/internal/metrics"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

const (
	DefaultStableWindow     = 2
	defaultRollbackAttempts = 3
	defaultRollbackDelay    = 100 * time.Millisecond
)

type RouteManager interface {
	DefaultRoute(ctx context.Context) (models.Route, error)
	SetDefaultRoute(ctx context.Context, route models.Route) error
	// GatewayFor returns the gateway learned on the link, nil if none.
	GatewayFor(ctx context.Context, name string) (net.IP, error)
}

type Notifier interface {
	Notify(models.Event)
}

type Config struct {
	StableWindow     int
	RollbackAttempts uint
	RollbackDelay    time.Duration
}

// Decision is the outcome of one reconcile pass.
type Decision struct {
	Route    models.RouteState
	Switched bool
	Reason   string
}

// Switcher owns the default route. Reconcile is called only from the
// coordinator loop; State may be read concurrently.
type Switcher struct {
	cfg      Config
	routes   RouteManager
	notifier Notifier
	clk      clock.Clock
	metrics  metrics.Metrics
	log      zerolog.Logger

	streaks   map[string]*streak
	lastCycle uint64
	// applied is the route this switcher last installed or adopted.
	applied     models.Route
	haveApplied bool
	degraded    bool

	mu    sync.Mutex
	state models.RouteState
}

func New(cfg Config, routes RouteManager, notifier Notifier, clk clock.Clock, m metrics.Metrics, logger zerolog.Logger) *Switcher {
	if cfg.StableWindow <= 0 {
		cfg.StableWindow = DefaultStableWindow
	}
	if cfg.RollbackAttempts == 0 {
		cfg.RollbackAttempts = defaultRollbackAttempts
	}
	if cfg.RollbackDelay <= 0 {
		cfg.RollbackDelay = defaultRollbackDelay
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Switcher{
		cfg:      cfg,
		routes:   routes,
		notifier: notifier,
		clk:      clk,
		metrics:  m,
		log:      logger.With().Str("component", "switcher").Logger(),
		streaks:  make(map[string]*streak),
	}
}

func (s *Switcher) State() models.RouteState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconcile folds the snapshot into the health streaks, decides which uplink
// should carry the default route and changes the route only when the
// observed one differs from the decision.
func (s *Switcher) Reconcile(
	ctx context.Context,
	reg *registry.Registry,
	assignment *arbiter.Assignment,
	snap *models.Snapshot,
) (Decision, error) {
	candidates := reg.UplinkCandidates()
	s.observe(candidates, assignment, snap)

	observed, err := s.routes.DefaultRoute(ctx)
	if err != nil {
		return Decision{Route: s.State()}, fmt.Errorf("failed to read default route: %w", err)
	}
	if s.haveApplied && !observed.Equal(s.applied) {
		s.log.Warn().
			Str("expected", s.applied.String()).
			Str("observed", observed.String()).
			Msg("default route changed outside of uplinkd")
		s.notify(models.Event{
			Type:      models.EventAdminRouteChange,
			Severity:  models.SeverityWarn,
			Interface: observed.Interface,
			Message:   fmt.Sprintf("default route changed from %s to %s externally", s.applied, observed),
		})
	}
	s.adopt(observed)

	var desired models.Route
	target, reason := s.choose(candidates, assignment, observed)
	if target == "" || target == observed.Interface {
		desired = s.refresh(ctx, reg, assignment, observed)
		if desired.IsNone() || desired.Equal(observed) {
			s.trackDegraded(candidates, assignment, observed)
			return Decision{Route: s.State(), Reason: reason}, nil
		}
		reason = fmt.Sprintf("gateway of %s changed", observed.Interface)
	} else {
		iface, _ := reg.Get(target)
		desired, err = s.resolve(ctx, iface)
		if err != nil {
			return Decision{Route: s.State()}, err
		}
	}
	if err := s.apply(ctx, desired, observed, reason); err != nil {
		return Decision{Route: s.State()}, err
	}
	s.degraded = false
	return Decision{Route: s.State(), Switched: true, Reason: reason}, nil
}

func (s *Switcher) observe(candidates []netrole.Interface, assignment *arbiter.Assignment, snap *models.Snapshot) {
	if snap == nil || snap.Cycle == s.lastCycle {
		return
	}
	s.lastCycle = snap.Cycle
	seen := make(map[string]struct{}, len(candidates))
	for _, iface := range candidates {
		seen[iface.Name] = struct{}{}
		st, ok := s.streaks[iface.Name]
		if !ok {
			st = &streak{}
			s.streaks[iface.Name] = st
		}
		st.observe(snap.Healthy(iface.Name) && assignment.Role(iface.Name).IsUplink())
	}
	for name := range s.streaks {
		if _, ok := seen[name]; !ok {
			delete(s.streaks, name)
		}
	}
}

func (s *Switcher) stablyHealthy(name string) bool {
	st, ok := s.streaks[name]
	return ok && st.stablyHealthy(s.cfg.StableWindow)
}

func (s *Switcher) stablyUnhealthy(name string) bool {
	st, ok := s.streaks[name]
	return ok && st.stablyUnhealthy(s.cfg.StableWindow)
}

func (s *Switcher) healthyNow(name string) bool {
	st, ok := s.streaks[name]
	return ok && st.healthy
}

// choose returns the interface that should carry the default route, or ""
// to keep the observed route as it is.
func (s *Switcher) choose(candidates []netrole.Interface, assignment *arbiter.Assignment, observed models.Route) (string, string) {
	var best *netrole.Interface
	for i := range candidates {
		if assignment.Role(candidates[i].Name).IsUplink() && s.stablyHealthy(candidates[i].Name) {
			best = &candidates[i]
			break
		}
	}

	var current *netrole.Interface
	for i := range candidates {
		if candidates[i].Name == observed.Interface {
			current = &candidates[i]
			break
		}
	}

	switch {
	case observed.IsNone():
		if best == nil {
			return "", "no stably healthy uplink"
		}
		return best.Name, "no default route"
	case current == nil:
		if best == nil {
			return "", "default route via unmanaged interface kept"
		}
		return best.Name, "default route via unmanaged interface"
	case !assignment.Role(current.Name).IsUplink():
		if best != nil {
			return best.Name, fmt.Sprintf("%s is now %s", current.Name, assignment.Role(current.Name))
		}
		// never leave the host without a route, even a weak one beats none
		for _, c := range candidates {
			if c.Name != current.Name && assignment.Role(c.Name).IsUplink() && s.healthyNow(c.Name) {
				return c.Name, fmt.Sprintf("%s is now %s", current.Name, assignment.Role(current.Name))
			}
		}
		return "", fmt.Sprintf("%s is now %s but no other uplink is healthy", current.Name, assignment.Role(current.Name))
	case best == nil || best.Name == current.Name:
		return "", "current uplink preferred"
	case best.Priority < current.Priority:
		return best.Name, fmt.Sprintf("preempting %s with higher priority %s", current.Name, best.Name)
	case s.stablyUnhealthy(current.Name):
		return best.Name, fmt.Sprintf("%s is unhealthy", current.Name)
	}
	return "", "current uplink kept"
}

func (s *Switcher) resolve(ctx context.Context, iface netrole.Interface) (models.Route, error) {
	route := models.Route{Interface: iface.Name}
	if iface.Gateway != nil {
		route.Gateway = iface.Gateway
		return route, nil
	}
	gw, err := s.routes.GatewayFor(ctx, iface.Name)
	if err != nil {
		return models.Route{}, fmt.Errorf("failed to resolve gateway for %s: %w", iface.Name, err)
	}
	route.Gateway = gw
	return route, nil
}

// refresh resolves the route the current uplink should carry. It returns no
// route when the observed one is not a managed uplink or its gateway cannot be
// resolved; a device route never replaces one via a gateway.
func (s *Switcher) refresh(ctx context.Context, reg *registry.Registry, assignment *arbiter.Assignment, observed models.Route) models.Route {
	if observed.IsNone() || !assignment.Role(observed.Interface).IsUplink() {
		return models.Route{}
	}
	iface, ok := reg.Get(observed.Interface)
	if !ok || !iface.IsUplinkCandidate() {
		return models.Route{}
	}
	desired, err := s.resolve(ctx, iface)
	if err != nil {
		s.log.Debug().Err(err).Str("interface", iface.Name).Msg("gateway of current uplink unknown, route kept")
		return models.Route{}
	}
	if desired.Gateway == nil {
		return models.Route{}
	}
	return desired
}

// apply replaces the default route. If the replacement fails the previous
// route is put back; if that fails too the host may be unreachable and a
// fatal-tier event is raised.
func (s *Switcher) apply(ctx context.Context, desired, previous models.Route, reason string) error {
	err := s.routes.SetDefaultRoute(ctx, desired)
	if err == nil {
		s.metrics.Increment("switcher.switches")
		s.log.Info().
			Str("from", previous.String()).
			Str("to", desired.String()).
			Str("reason", reason).
			Msg("default route switched")
		s.notify(models.Event{
			Type:      models.EventRouteSwitched,
			Severity:  models.SeverityInfo,
			Interface: desired.Interface,
			Message:   fmt.Sprintf("default route switched to %s: %s", desired, reason),
			Fields:    map[string]string{"from": previous.String(), "to": desired.String()},
		})
		s.record(desired, true)
		return nil
	}

	applyErr := &netrole.RouteApplyError{
		Interface: desired.Interface,
		Previous:  previous.String(),
		Err:       err,
	}
	rollbackErr := retry.Do(
		func() error {
			return s.routes.SetDefaultRoute(ctx, previous)
		},
		retry.Attempts(s.cfg.RollbackAttempts),
		retry.Delay(s.cfg.RollbackDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if rollbackErr == nil {
		s.metrics.Increment("switcher.rollbacks")
		s.log.Error().Err(err).Str("restored", previous.String()).Msgf("failed to switch default route to %s", desired)
		s.notify(models.Event{
			Type:      models.EventRouteRolledBack,
			Severity:  models.SeverityError,
			Interface: desired.Interface,
			Message:   applyErr.Error(),
		})
		s.record(previous, false)
		return applyErr
	}

	applyErr.RollbackErr = rollbackErr
	applyErr.RollbackFailed = true
	s.metrics.Increment("switcher.rollback_failures")
	s.log.WithLevel(zerolog.FatalLevel).
		Err(errors.Join(err, rollbackErr)).
		Str("desired", desired.String()).
		Str("previous", previous.String()).
		Msg("default route rollback failed, host may be unreachable")
	s.notify(models.Event{
		Type:      models.EventRouteRolledBack,
		Severity:  models.SeverityFatal,
		Interface: desired.Interface,
		Message:   applyErr.Error(),
	})
	// the kernel state is unknown now; the next pass adopts whatever it finds
	s.haveApplied = false
	return applyErr
}

func (s *Switcher) adopt(observed models.Route) {
	s.applied = observed
	s.haveApplied = true
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Route = observed
}

func (s *Switcher) record(route models.Route, switched bool) {
	s.applied = route
	s.haveApplied = true
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Route = route
	if switched {
		s.state.LastSwitch = s.clk.Now()
	}
}

// trackDegraded raises a single event when the host is left without any
// healthy uplink, and logs recovery once.
func (s *Switcher) trackDegraded(candidates []netrole.Interface, assignment *arbiter.Assignment, observed models.Route) {
	anyHealthy := false
	for _, c := range candidates {
		if assignment.Role(c.Name).IsUplink() && !s.stablyUnhealthy(c.Name) {
			anyHealthy = true
			break
		}
	}
	switch {
	case !anyHealthy && len(candidates) > 0 && !s.degraded:
		s.degraded = true
		s.log.Error().Str("route", observed.String()).Msg("no healthy uplink, keeping last default route")
		s.notify(models.Event{
			Type:      models.EventRouteLost,
			Severity:  models.SeverityError,
			Interface: observed.Interface,
			Message:   fmt.Sprintf("no healthy uplink, keeping %s", observed),
		})
	case anyHealthy && s.degraded:
		s.degraded = false
		s.log.Info().Str("route", observed.String()).Msg("uplink recovered")
	}
}

func (s *Switcher) notify(ev models.Event) {
	if s.notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.clk.Now()
	}
	s.notifier.Notify(ev)
}
