package models

import (
	"fmt"
	"time"
)

type ApPhase string

const (
	ApStopped  ApPhase = "stopped"
	ApStarting ApPhase = "starting"
	ApRunning  ApPhase = "running"
	ApBackoff  ApPhase = "backoff"
	ApFailed   ApPhase = "failed"
)

type ApProcessState struct {
	Interface string
	Phase     ApPhase
	// Failures is n in Backoff(n): consecutive failed attempts.
	Failures     int
	RestartCount int
	NextRetryAt  time.Time
	LastError    string
	Since        time.Time
}

func (s ApProcessState) String() string {
	if s.Phase == ApBackoff {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Failures)
	}
	return string(s.Phase)
}
