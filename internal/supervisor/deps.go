package supervisor

import (
	"context"
	"net/netip"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
	"github.com/Sh00ty/uplinkd/pkg/strategies"
)

type LinkControl interface {
	SetInterfaceUp(ctx context.Context, name string) error
	SetInterfaceDown(ctx context.Context, name string) error
	AssignAddress(ctx context.Context, name string, addr netip.Prefix) error
}

type AccessPoint interface {
	Start(ctx context.Context, iface netrole.Interface) error
	Stop(ctx context.Context, name string) error
	Active(ctx context.Context, name string) (bool, error)
	Liveness(iface netrole.Interface) (strategies.Strategy, error)
}

// Leases is the address-leasing service of an access point subnet.
type Leases interface {
	Enable(ctx context.Context, name string, subnet netip.Prefix) error
	Disable(ctx context.Context, name string) error
	Status(ctx context.Context, name string, subnet netip.Prefix) (string, error)
}

type UnitStates interface {
	ActiveState(ctx context.Context, unit string) (string, error)
}

type RoleSource interface {
	Current() *arbiter.Assignment
}

type Notifier interface {
	Notify(models.Event)
}
