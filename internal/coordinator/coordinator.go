package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/clock"
	"github.com/Sh00ty/uplinkd/internal/metrics"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

const defaultSummaryEvery = 5 * time.Minute

type Config struct {
	// SummaryEvery bounds how often an unchanged summary is logged.
	SummaryEvery time.Duration
}

type resetRequest struct {
	name string
	done chan error
}

// Coordinator is the single serialized context that owns every OS mutation.
// Probes run elsewhere; their snapshots drive the ticks.
type Coordinator struct {
	load       Loader
	caps       arbiter.CapabilitySource
	arbiter    *arbiter.Arbiter
	prober     Prober
	switcher   Switcher
	supervisor Supervisor
	notifier   Notifier
	clk        clock.Clock
	metrics    metrics.Metrics
	log        zerolog.Logger

	reg          *registry.Registry
	lastSnap     *models.Snapshot
	lastConflict string
	lastSummary  string
	summaryLimit *rate.Limiter

	reloadCh chan chan error
	resetCh  chan resetRequest

	ready    atomic.Bool
	statusMu sync.RWMutex
	status   Status
}

func New(
	cfg Config,
	load Loader,
	caps arbiter.CapabilitySource,
	arb *arbiter.Arbiter,
	prober Prober,
	sw Switcher,
	sup Supervisor,
	notifier Notifier,
	clk clock.Clock,
	m metrics.Metrics,
	logger zerolog.Logger,
) *Coordinator {
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = defaultSummaryEvery
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Coordinator{
		load:         load,
		caps:         caps,
		arbiter:      arb,
		prober:       prober,
		switcher:     sw,
		supervisor:   sup,
		notifier:     notifier,
		clk:          clk,
		metrics:      m,
		log:          logger.With().Str("component", "coordinator").Logger(),
		summaryLimit: rate.NewLimiter(rate.Every(cfg.SummaryEvery), 1),
		reloadCh:     make(chan chan error),
		resetCh:      make(chan resetRequest),
	}
}

// Init loads the configuration and re-derives state from the host before
// any decision is made: the first assignment pass, the fault journal and
// the access points already running. A first configuration with conflicts is
// applied partially; the conflicting groups stay unassigned.
func (c *Coordinator) Init(ctx context.Context) error {
	reg, err := c.load()
	if err != nil {
		return fmt.Errorf("failed to load interface catalog: %w", err)
	}
	c.reg = reg
	c.prober.SetRegistry(reg)
	c.log.Info().Strs("interfaces", reg.Names()).Msg("interface catalog loaded")

	assignment, _, err := c.arbiter.Reconcile(reg, c.caps)
	c.surfaceConflicts(err)
	for _, change := range assignment.Diff(nil) {
		c.emitRoleChange(change, assignment.Epoch)
	}
	if err := c.supervisor.Recover(ctx, reg); err != nil {
		return fmt.Errorf("failed to recover access point state: %w", err)
	}
	c.publish()
	return nil
}

// Run initializes and then ticks on every probe snapshot until ctx is done.
// A tick in progress when ctx is cancelled runs to completion.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	snaps := c.prober.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("coordinator stopped, leaving routes and services as they are")
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			c.Tick(context.WithoutCancel(ctx), snap)
		case done := <-c.reloadCh:
			done <- c.reload(context.WithoutCancel(ctx))
		case req := <-c.resetCh:
			req.done <- c.reset(context.WithoutCancel(ctx), req.name)
		}
	}
}

// Tick runs one reconciliation: roles first, then access points, then the
// default route, so every component sees the same assignment.
func (c *Coordinator) Tick(ctx context.Context, snap *models.Snapshot) {
	start := time.Now()
	defer func() {
		c.metrics.Duration("coordinator.tick", time.Since(start))
	}()
	if snap != nil {
		c.lastSnap = snap
	}

	prev := c.arbiter.Current()
	assignment, changed, err := c.arbiter.Reconcile(c.reg, c.caps)
	c.surfaceConflicts(err)
	if changed {
		for _, change := range assignment.Diff(prev) {
			c.emitRoleChange(change, assignment.Epoch)
		}
	}

	c.supervisor.Sync(ctx, c.reg)
	c.supervisor.Step(ctx)

	if _, err := c.switcher.Reconcile(ctx, c.reg, c.arbiter.Current(), c.lastSnap); err != nil {
		c.log.Error().Err(err).Msg("uplink reconciliation failed")
	}

	c.publish()
	c.ready.Store(true)
}

// Reload re-reads the configuration inside the loop. A catalog with
// conflicts is rejected as a whole and the running assignment stays in
// effect. An accepted reload also resets Failed access points.
func (c *Coordinator) Reload(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case c.reloadCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears a Failed access point inside the loop.
func (c *Coordinator) Reset(ctx context.Context, name string) error {
	req := resetRequest{name: name, done: make(chan error, 1)}
	select {
	case c.resetCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Coordinator) reload(ctx context.Context) error {
	reg, err := c.load()
	if err != nil {
		c.log.Error().Err(err).Msg("configuration reload failed, keeping current configuration")
		return fmt.Errorf("failed to load interface catalog: %w", err)
	}
	if _, err := arbiter.Assign(reg, c.caps); err != nil {
		c.surfaceConflicts(err)
		c.log.Error().Err(err).Uint64("epoch", c.arbiter.Current().Epoch).Msg("configuration reload rejected, keeping last known good assignment")
		return fmt.Errorf("configuration rejected: %w", err)
	}

	prev := c.arbiter.Current()
	c.reg = reg
	c.prober.SetRegistry(reg)
	assignment, changed, _ := c.arbiter.Reconcile(reg, c.caps)
	c.surfaceConflicts(nil)
	if changed {
		for _, change := range assignment.Diff(prev) {
			c.emitRoleChange(change, assignment.Epoch)
		}
	}
	c.log.Info().Uint64("epoch", assignment.Epoch).Strs("interfaces", reg.Names()).Msg("configuration reloaded")

	c.supervisor.Sync(ctx, reg)
	c.supervisor.ResetFailed(ctx)
	c.supervisor.Step(ctx)
	if _, err := c.switcher.Reconcile(ctx, reg, c.arbiter.Current(), c.lastSnap); err != nil {
		c.log.Error().Err(err).Msg("uplink reconciliation after reload failed")
	}
	c.publish()
	return nil
}

func (c *Coordinator) reset(ctx context.Context, name string) error {
	if err := c.supervisor.Reset(ctx, name); err != nil {
		return err
	}
	c.supervisor.Step(ctx)
	c.publish()
	return nil
}

func (c *Coordinator) surfaceConflicts(err error) {
	groups := netrole.ConflictGroups(err)
	slices.Sort(groups)
	key := strings.Join(groups, ",")
	var violation *netrole.InvariantViolation
	if errors.As(err, &violation) {
		key += "|" + err.Error()
	}
	if key == c.lastConflict {
		return
	}
	c.lastConflict = key
	c.metrics.Gauge("coordinator.conflicts", len(groups))
	if err == nil {
		c.log.Info().Msg("role conflicts resolved")
		return
	}
	c.log.Error().Err(err).Strs("groups", groups).Msg("role conflict")
	c.notify(models.Event{
		Type:     models.EventRoleConflict,
		Severity: models.SeverityError,
		Message:  err.Error(),
		Fields:   map[string]string{"groups": key},
	})
}

func (c *Coordinator) emitRoleChange(change arbiter.RoleChange, epoch uint64) {
	c.notify(models.Event{
		Type:      models.EventRoleChanged,
		Severity:  models.SeverityInfo,
		Interface: change.Interface,
		Message:   fmt.Sprintf("%s: %s -> %s", change.Interface, change.From, change.To),
		Fields: map[string]string{
			"from":  change.From.String(),
			"to":    change.To.String(),
			"epoch": fmt.Sprint(epoch),
		},
	})
}

func (c *Coordinator) publish() {
	st := buildStatus(c.reg, c.arbiter.Current(), c.lastSnap, c.switcher.State(), c.supervisor.Snapshot(), c.clk.Now())
	if counter, ok := c.notifier.(droppedCounter); ok {
		st.DroppedEvents = counter.Dropped()
		c.metrics.Gauge("notifier.dropped", int(st.DroppedEvents))
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()

	summary := st.Summary()
	switch {
	case summary != c.lastSummary:
		c.lastSummary = summary
		c.log.Info().Uint64("cycle", st.Cycle).Uint64("epoch", st.Epoch).Msg(summary)
	case c.summaryLimit.Allow():
		c.log.Debug().Uint64("cycle", st.Cycle).Uint64("epoch", st.Epoch).Msg(summary)
	}
}

func (c *Coordinator) notify(ev models.Event) {
	if c.notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = c.clk.Now()
	}
	c.notifier.Notify(ev)
}
