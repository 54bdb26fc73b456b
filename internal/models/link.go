package models

import (
	"fmt"
	"net"
	"time"
)

type LinkSample struct {
	Interface  string
	Exists     bool
	Carrier    bool
	HasAddress bool
	Healthy    bool
	Err        error
	Duration   time.Duration
	SampledAt  time.Time
}

// Snapshot is one probe cycle. It is never mutated after publication.
type Snapshot struct {
	Cycle   uint64
	Epoch   uint64
	TakenAt time.Time
	Samples map[string]LinkSample
}

func (s *Snapshot) Healthy(name string) bool {
	if s == nil {
		return false
	}
	return s.Samples[name].Healthy
}

// Route is a default route. The zero value means no default route.
type Route struct {
	Interface string
	Gateway   net.IP
}

func (r Route) IsNone() bool {
	return r.Interface == ""
}

func (r Route) Equal(o Route) bool {
	return r.Interface == o.Interface && r.Gateway.Equal(o.Gateway)
}

func (r Route) String() string {
	switch {
	case r.IsNone():
		return "none"
	case r.Gateway == nil:
		return fmt.Sprintf("default dev %s", r.Interface)
	}
	return fmt.Sprintf("default via %s dev %s", r.Gateway, r.Interface)
}

type RouteState struct {
	Route
	LastSwitch time.Time
}
