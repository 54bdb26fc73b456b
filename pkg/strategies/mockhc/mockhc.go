package mockhc

import (
	"context"
	"sync/atomic"
	"time"
)

type MockHCSettings struct {
	Name     string
	Duration time.Duration
	// FailFirst makes the first N checks fail.
	FailFirst int
}

type MockHC struct {
	name      string
	duration  time.Duration
	failFirst int64
	calls     atomic.Int64
	healthy   atomic.Bool
}

func NewMockHC(settings *MockHCSettings) *MockHC {
	h := &MockHC{
		name:      settings.Name,
		duration:  settings.Duration,
		failFirst: int64(settings.FailFirst),
	}
	h.healthy.Store(true)
	return h
}

// SetHealthy flips the result of every later check.
func (h *MockHC) SetHealthy(ok bool) {
	h.healthy.Store(ok)
}

func (h *MockHC) Calls() int {
	return int(h.calls.Load())
}

func (h *MockHC) DoHealthCheck(ctx context.Context) (bool, error) {
	n := h.calls.Add(1)
	if h.duration > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(h.duration):
		}
	}
	if n <= h.failFirst || !h.healthy.Load() {
		return false, nil
	}
	return true, nil
}
