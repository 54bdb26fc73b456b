// Package systemd starts, stops and inspects units over the system bus.
package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/rs/zerolog"
)

const (
	modeReplace    = "replace"
	jobDone        = "done"
	defaultTimeout = 30 * time.Second
)

type Manager struct {
	conn       *dbus.Conn
	jobTimeout time.Duration
	log        zerolog.Logger
}

func New(ctx context.Context, jobTimeout time.Duration, logger zerolog.Logger) (*Manager, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	if jobTimeout <= 0 {
		jobTimeout = defaultTimeout
	}
	return &Manager{
		conn:       conn,
		jobTimeout: jobTimeout,
		log:        logger.With().Str("component", "systemd").Logger(),
	}, nil
}

// Start starts the unit and waits for the job to finish. Starting an active
// unit is a no-op job that completes as done.
func (m *Manager) Start(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, unit, modeReplace, ch); err != nil {
		return fmt.Errorf("failed to start %s: %w", unit, err)
	}
	if err := m.wait(ctx, unit, ch); err != nil {
		return fmt.Errorf("failed to start %s: %w", unit, err)
	}
	m.log.Debug().Str("unit", unit).Msg("unit started")
	return nil
}

// Stop stops the unit. Stopping a unit that is not loaded is not an error.
func (m *Manager) Stop(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, unit, modeReplace, ch); err != nil {
		if strings.Contains(err.Error(), "not loaded") {
			return nil
		}
		return fmt.Errorf("failed to stop %s: %w", unit, err)
	}
	if err := m.wait(ctx, unit, ch); err != nil {
		return fmt.Errorf("failed to stop %s: %w", unit, err)
	}
	// a failed unit keeps its state until reset, which would hide the next start
	if err := m.conn.ResetFailedUnitContext(ctx, unit); err != nil {
		m.log.Debug().Err(err).Str("unit", unit).Msg("reset failed state")
	}
	m.log.Debug().Str("unit", unit).Msg("unit stopped")
	return nil
}

// ActiveState returns the unit's ActiveState: active, inactive, failed,
// activating or deactivating.
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "ActiveState")
	if err != nil {
		return "", fmt.Errorf("failed to get state of %s: %w", unit, err)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState value %s for %s", prop.Value.String(), unit)
	}
	return state, nil
}

func (m *Manager) Close() {
	m.conn.Close()
}

func (m *Manager) wait(ctx context.Context, unit string, ch <-chan string) error {
	timer := time.NewTimer(m.jobTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("job for %s did not finish in %s", unit, m.jobTimeout)
	case result := <-ch:
		if result != jobDone {
			return fmt.Errorf("job for %s finished with %s", unit, result)
		}
		return nil
	}
}
