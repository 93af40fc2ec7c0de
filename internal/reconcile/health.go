package reconcile

import (
	"time"

	"github.com/g960059/cwe/internal/config"
)

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// HealthState tracks refresh outcomes for one case location.
type HealthState struct {
	Current              Health
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = HealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		switch state.Current {
		case HealthDegraded:
			state.Current = HealthOK
			state.LastTransitionAt = now
		case HealthDown:
			if state.ConsecutiveSuccesses >= cfg.RecoverSuccesses {
				state.Current = HealthOK
				state.LastTransitionAt = now
			}
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case HealthOK:
		state.Current = HealthDegraded
		state.LastTransitionAt = now
		if state.ConsecutiveFailures >= cfg.DownFailures {
			state.Current = HealthDown
		}
	case HealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.DownWindow {
			// Window expired; this failure opens a new one.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.DownFailures {
			state.Current = HealthDown
			state.LastTransitionAt = now
		}
	case HealthDown:
	}
	return state
}
