package unitactive

import (
	"context"
	"fmt"
)

const stateActive = "active"

// UnitStateReader returns the systemd ActiveState of a unit.
type UnitStateReader interface {
	ActiveState(ctx context.Context, unit string) (string, error)
}

type Settings struct {
	Unit string
}

// Strategy passes while the unit is active.
type Strategy struct {
	unit   string
	reader UnitStateReader
}

func New(settings *Settings, reader UnitStateReader) (*Strategy, error) {
	if settings.Unit == "" {
		return nil, fmt.Errorf("unit name is empty")
	}
	if reader == nil {
		return nil, fmt.Errorf("no unit state reader for %s", settings.Unit)
	}
	return &Strategy{
		unit:   settings.Unit,
		reader: reader,
	}, nil
}

func (s *Strategy) DoHealthCheck(ctx context.Context) (bool, error) {
	state, err := s.reader.ActiveState(ctx, s.unit)
	if err != nil {
		return false, fmt.Errorf("failed to read state of %s: %w", s.unit, err)
	}
	if state != stateActive {
		return false, fmt.Errorf("unit %s is %s", s.unit, state)
	}
	return true, nil
}
