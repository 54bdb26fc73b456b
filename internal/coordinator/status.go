package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/registry"
)

type InterfaceStatus struct {
	Name       string `json:"name"`
	Group      string `json:"group"`
	Role       string `json:"role"`
	Priority   uint8  `json:"priority,omitempty"`
	Probed     bool   `json:"probed"`
	Healthy    bool   `json:"healthy"`
	ProbeError string `json:"probe_error,omitempty"`
}

type RouteStatus struct {
	Interface  string    `json:"interface,omitempty"`
	Gateway    string    `json:"gateway,omitempty"`
	LastSwitch time.Time `json:"last_switch,omitzero"`
}

type AccessPointStatus struct {
	Interface    string    `json:"interface"`
	State        string    `json:"state"`
	Failures     int       `json:"failures"`
	RestartCount int       `json:"restart_count"`
	NextRetryAt  time.Time `json:"next_retry_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// Status is the state of the host as of the last completed tick.
type Status struct {
	Cycle        uint64              `json:"cycle"`
	Epoch        uint64              `json:"epoch"`
	Conflicts    []string            `json:"conflicts,omitempty"`
	Interfaces   []InterfaceStatus   `json:"interfaces"`
	Route        RouteStatus         `json:"route"`
	AccessPoints []AccessPointStatus `json:"access_points"`
	// DroppedEvents counts events lost because the event buffer was full.
	DroppedEvents uint64    `json:"dropped_events,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func buildStatus(
	reg *registry.Registry,
	assignment *arbiter.Assignment,
	snap *models.Snapshot,
	route models.RouteState,
	aps []models.ApProcessState,
	now time.Time,
) Status {
	st := Status{
		Epoch:     assignment.Epoch,
		Conflicts: assignment.Conflicts,
		UpdatedAt: now,
		Route: RouteStatus{
			Interface:  route.Interface,
			LastSwitch: route.LastSwitch,
		},
	}
	if route.Gateway != nil {
		st.Route.Gateway = route.Gateway.String()
	}
	if snap != nil {
		st.Cycle = snap.Cycle
	}
	for _, iface := range reg.All() {
		is := InterfaceStatus{
			Name:     iface.Name,
			Group:    iface.Group(),
			Role:     assignment.Role(iface.Name).String(),
			Priority: iface.Priority,
		}
		if snap != nil {
			if sample, ok := snap.Samples[iface.Name]; ok {
				is.Probed = true
				is.Healthy = sample.Healthy
				if sample.Err != nil {
					is.ProbeError = sample.Err.Error()
				}
			}
		}
		st.Interfaces = append(st.Interfaces, is)
	}
	for _, ap := range aps {
		st.AccessPoints = append(st.AccessPoints, AccessPointStatus{
			Interface:    ap.Interface,
			State:        ap.String(),
			Failures:     ap.Failures,
			RestartCount: ap.RestartCount,
			NextRetryAt:  ap.NextRetryAt,
			LastError:    ap.LastError,
		})
	}
	return st
}

// Summary renders the status as one line, e.g.
// "eth0=wired-uplink/up wlan0=access-point/- route=via 192.168.1.1 dev eth0 ap[wlan0=running]".
func (s Status) Summary() string {
	var b strings.Builder
	for _, is := range s.Interfaces {
		health := "-"
		if is.Probed {
			health = "down"
			if is.Healthy {
				health = "up"
			}
		}
		fmt.Fprintf(&b, "%s=%s/%s ", is.Name, is.Role, health)
	}
	route := "none"
	if s.Route.Interface != "" {
		route = "dev " + s.Route.Interface
		if s.Route.Gateway != "" {
			route = "via " + s.Route.Gateway + " " + route
		}
	}
	fmt.Fprintf(&b, "route=%s", route)
	if len(s.AccessPoints) > 0 {
		b.WriteString(" ap[")
		for i, ap := range s.AccessPoints {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%s", ap.Interface, ap.State)
		}
		b.WriteString("]")
	}
	if len(s.Conflicts) > 0 {
		fmt.Fprintf(&b, " conflicts=%s", strings.Join(s.Conflicts, ","))
	}
	return b.String()
}
