package session

import (
	"math"
	"time"
)

// ReconnectPolicy controls how the orchestrator restarts the BLE scan after a session fails.
//
// The zero value reconnects immediately and forever.
type ReconnectPolicy struct {
	// Delay is the pause before the first retry. Each consecutive failure doubles it.
	Delay time.Duration `yaml:"delay"`
	// MaxDelay caps the pause. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxAttempts stops retrying after that many consecutive failures. Zero means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
}

// backoff returns the pause before retry number attempt (starting at 1).
func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	if p.Delay <= 0 || attempt < 1 {
		return 0
	}
	delay := p.Delay
	for i := 1; i < attempt && delay < math.MaxInt64/2; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// exhausted reports whether attempt exceeds MaxAttempts.
func (p ReconnectPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
