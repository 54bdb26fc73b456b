package prober

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/clock"
	"github.com/Sh00ty/uplinkd/internal/metrics"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/osnet"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 2 * time.Second
	maxParallel     = 8
)

// LinkInspector reads link state without changing it.
type LinkInspector interface {
	LinkStatus(ctx context.Context, name string) (osnet.LinkStatus, error)
}

type RoleSource interface {
	Current() *arbiter.Assignment
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Prober samples every uplink candidate that is not serving as an access
// point. Samples of one cycle are published together as an immutable snapshot.
type Prober struct {
	cfg     Config
	links   LinkInspector
	roles   RoleSource
	clk     clock.Clock
	metrics metrics.Metrics
	log     zerolog.Logger

	reg    atomic.Pointer[registry.Registry]
	latest atomic.Pointer[models.Snapshot]

	mu    sync.Mutex
	cycle uint64
}

func New(
	cfg Config,
	reg *registry.Registry,
	links LinkInspector,
	roles RoleSource,
	clk clock.Clock,
	m metrics.Metrics,
	logger zerolog.Logger,
) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.Nop{}
	}
	p := &Prober{
		cfg:     cfg,
		links:   links,
		roles:   roles,
		clk:     clk,
		metrics: m,
		log:     logger.With().Str("component", "prober").Logger(),
	}
	p.reg.Store(reg)
	return p
}

// SetRegistry switches the set of declared interfaces for the next cycle.
func (p *Prober) SetRegistry(reg *registry.Registry) {
	p.reg.Store(reg)
}

// Latest returns the last published snapshot or nil before the first cycle.
func (p *Prober) Latest() *models.Snapshot {
	return p.latest.Load()
}

// Run probes once immediately and then every interval. Snapshots are
// delivered on the returned channel; a consumer that falls behind only sees
// the newest one. The channel is closed when ctx is done.
func (p *Prober) Run(ctx context.Context) <-chan *models.Snapshot {
	out := make(chan *models.Snapshot, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			snap := p.Cycle(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- snap:
			default:
				select {
				case <-out:
				default:
				}
				out <- snap
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// Cycle runs one probe pass, publishes and returns its snapshot.
func (p *Prober) Cycle(ctx context.Context) *models.Snapshot {
	start := time.Now()
	assignment := p.roles.Current()

	var targets []string
	for _, iface := range p.reg.Load().UplinkCandidates() {
		if assignment.Role(iface.Name) == netrole.AccessPoint {
			continue
		}
		targets = append(targets, iface.Name)
	}

	samples := make([]models.LinkSample, len(targets))
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, name := range targets {
		g.Go(func() error {
			samples[i] = p.probe(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.cycle++
	snap := &models.Snapshot{
		Cycle:   p.cycle,
		Epoch:   assignment.Epoch,
		TakenAt: p.clk.Now(),
		Samples: make(map[string]models.LinkSample, len(samples)),
	}
	p.mu.Unlock()
	for _, s := range samples {
		snap.Samples[s.Interface] = s
	}
	p.latest.Store(snap)
	p.metrics.Duration("prober.cycle", time.Since(start))
	return snap
}

type statusResult struct {
	status osnet.LinkStatus
	err    error
}

func (p *Prober) probe(ctx context.Context, name string) (sample models.LinkSample) {
	start := time.Now()
	sample.Interface = name
	defer func() {
		sample.Duration = time.Since(start)
		p.metrics.Duration("prober.probe_duration", sample.Duration)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	// the kernel calls do not take a context, so the bound is enforced here
	done := make(chan statusResult, 1)
	go func() {
		status, err := p.links.LinkStatus(ctx, name)
		done <- statusResult{status: status, err: err}
	}()

	var res statusResult
	select {
	case <-ctx.Done():
		res.err = ctx.Err()
	case res = <-done:
	}
	sample.SampledAt = p.clk.Now()

	if res.err != nil {
		if ctx.Err() != nil {
			p.metrics.Increment("prober.timeouts")
			sample.Err = fmt.Errorf("%w: %s after %s", netrole.ErrProbeTimeout, name, p.cfg.Timeout)
		} else {
			sample.Err = fmt.Errorf("failed to probe %s: %w", name, res.err)
		}
		p.log.Debug().Err(sample.Err).Str("interface", name).Msg("probe failed")
		return sample
	}

	sample.Exists = res.status.Exists
	sample.Carrier = res.status.Carrier
	sample.HasAddress = res.status.HasAddress()
	sample.Healthy = sample.Exists && sample.Carrier && sample.HasAddress
	return sample
}
