package coordinator

import (
	"context"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/internal/switcher"
)

// Loader reads the declarative interface catalog.
type Loader func() (*registry.Registry, error)

type Prober interface {
	Run(ctx context.Context) <-chan *models.Snapshot
	SetRegistry(reg *registry.Registry)
}

type Switcher interface {
	Reconcile(ctx context.Context, reg *registry.Registry, assignment *arbiter.Assignment, snap *models.Snapshot) (switcher.Decision, error)
	State() models.RouteState
}

type Supervisor interface {
	Recover(ctx context.Context, reg *registry.Registry) error
	Sync(ctx context.Context, reg *registry.Registry)
	Step(ctx context.Context)
	Reset(ctx context.Context, name string) error
	ResetFailed(ctx context.Context)
	Snapshot() []models.ApProcessState
}

type Notifier interface {
	Notify(models.Event)
}

// droppedCounter is implemented by notifiers that drop events under load.
type droppedCounter interface {
	Dropped() uint64
}
