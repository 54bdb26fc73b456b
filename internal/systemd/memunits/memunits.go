// Package memunits is an in-memory unit manager for tests.
package memunits

import (
	"context"
	"fmt"
	"sync"
)

const (
	Active   = "active"
	Inactive = "inactive"
	Failed   = "failed"
)

type Units struct {
	mu       sync.Mutex
	states   map[string]string
	startErr map[string]error
	// afterStart is the state a unit enters once started, active by default.
	afterStart map[string]string
	starts     map[string]int
	stops      map[string]int
}

func New() *Units {
	return &Units{
		states:     make(map[string]string),
		startErr:   make(map[string]error),
		afterStart: make(map[string]string),
		starts:     make(map[string]int),
		stops:      make(map[string]int),
	}
}

func (u *Units) Start(ctx context.Context, unit string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.starts[unit]++
	if err, ok := u.startErr[unit]; ok {
		u.states[unit] = Failed
		return fmt.Errorf("job for %s finished with failed: %w", unit, err)
	}
	state, ok := u.afterStart[unit]
	if !ok {
		state = Active
	}
	u.states[unit] = state
	return nil
}

func (u *Units) Stop(ctx context.Context, unit string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stops[unit]++
	u.states[unit] = Inactive
	return nil
}

func (u *Units) ActiveState(ctx context.Context, unit string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if state, ok := u.states[unit]; ok {
		return state, nil
	}
	return Inactive, nil
}

// FailStart makes every start of the unit fail. A nil error clears it.
func (u *Units) FailStart(unit string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err == nil {
		delete(u.startErr, unit)
		return
	}
	u.startErr[unit] = err
}

// StartsAs sets the state a unit reports right after a successful start.
func (u *Units) StartsAs(unit, state string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.afterStart[unit] = state
}

// Set forces the unit state, e.g. to simulate a crash.
func (u *Units) Set(unit, state string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.states[unit] = state
}

func (u *Units) Starts(unit string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.starts[unit]
}

func (u *Units) Stops(unit string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stops[unit]
}

// TotalStarts counts start calls over all units.
func (u *Units) TotalStarts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, n := range u.starts {
		total += n
	}
	return total
}
