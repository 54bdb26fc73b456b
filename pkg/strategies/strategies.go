// Package strategies holds the liveness checks used to decide whether a
// supervised service is actually serving, not just started.
package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sh00ty/uplinkd/pkg/strategies/mockhc"
	"github.com/Sh00ty/uplinkd/pkg/strategies/tcpconnhc"
	"github.com/Sh00ty/uplinkd/pkg/strategies/unitactive"
)

type Name string

const (
	Mock       Name = "mock"
	Port       Name = "port"
	UnitActive Name = "unit-active"
)

type Strategy interface {
	DoHealthCheck(ctx context.Context) (bool, error)
}

// All passes only when every strategy passes. It stops at the first failure.
type All []Strategy

func (a All) DoHealthCheck(ctx context.Context) (bool, error) {
	for _, s := range a {
		ok, err := s.DoHealthCheck(ctx)
		if !ok || err != nil {
			return false, err
		}
	}
	return true, nil
}

// NewStrategy builds a strategy from its JSON settings. units is only used by
// the unit-active strategy and may be nil otherwise.
func NewStrategy(name Name, checkCfg []byte, units unitactive.UnitStateReader) (Strategy, error) {
	var (
		settingsVar any
		createFunc  func(any) (Strategy, error)
	)
	switch name {
	case Port:
		settingsVar = &tcpconnhc.PortSettings{}
		createFunc = func(settings any) (Strategy, error) {
			return tcpconnhc.NewPortStrategy(settings.(*tcpconnhc.PortSettings))
		}
	case UnitActive:
		settingsVar = &unitactive.Settings{}
		createFunc = func(settings any) (Strategy, error) {
			return unitactive.New(settings.(*unitactive.Settings), units)
		}
	case Mock:
		settingsVar = &mockhc.MockHCSettings{}
		createFunc = func(settings any) (Strategy, error) {
			return mockhc.NewMockHC(settings.(*mockhc.MockHCSettings)), nil
		}
	default:
		return nil, fmt.Errorf("unknown liveness strategy %q", name)
	}

	if len(checkCfg) != 0 {
		if err := json.Unmarshal(checkCfg, settingsVar); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cfg for strategy: %s: %w", name, err)
		}
	}
	return createFunc(settingsVar)
}

// Validate reports whether a strategy can be built from its settings, without
// a unit state reader.
func Validate(name Name, checkCfg []byte) error {
	_, err := NewStrategy(name, checkCfg, noUnits{})
	return err
}

type noUnits struct{}

func (noUnits) ActiveState(context.Context, string) (string, error) {
	return "", errors.New("unit states are not available")
}

// Clock is the time source Await waits on.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Await polls the strategy every interval until it passes, the timeout
// measured on clk expires or ctx is done. On timeout the last check error is
// wrapped into the result.
func Await(ctx context.Context, clk Clock, s Strategy, timeout, every time.Duration) error {
	deadline := clk.Now().Add(timeout)

	var lastErr error
	for {
		ok, err := s.DoHealthCheck(ctx)
		if ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if !clk.Now().Before(deadline) {
			if lastErr != nil {
				return fmt.Errorf("not alive after %s: %w", timeout, lastErr)
			}
			return fmt.Errorf("not alive after %s", timeout)
		}
		if err := clk.Sleep(ctx, every); err != nil {
			return err
		}
	}
}
