// Package faults is the durable journal of supervisor faults. An open fault
// keeps its access point in the Failed state across daemon restarts until an
// operator reset clears it.
package faults

import (
	"context"
	"time"
)

type Fault struct {
	Interface string    `json:"interface"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
	OpenedAt  time.Time `json:"opened_at"`
}

type Store interface {
	// Open records a fault, replacing an open fault of the same interface.
	Open(ctx context.Context, f Fault) error
	// Clear closes the interface's fault. Clearing nothing is not an error.
	Clear(ctx context.Context, iface string) error
	ListOpen(ctx context.Context) ([]Fault, error)
}

// Nop keeps nothing; faults do not survive a restart with it.
type Nop struct{}

func (Nop) Open(context.Context, Fault) error         { return nil }
func (Nop) Clear(context.Context, string) error       { return nil }
func (Nop) ListOpen(context.Context) ([]Fault, error) { return nil, nil }
