// Package schedule computes the buildable set, estimates batch resource
// cost, and emits the ordered, concurrency-bounded build queue.
package schedule

import (
	"fmt"
	"time"
)

// Pacing bounds how aggressively a batch is dispatched. Immutable for the
// duration of one batch.
type Pacing struct {
	Name               string        `json:"name,omitempty"`
	ConcurrentLimit    int           `json:"concurrent_limit"`
	DelayBetweenStarts time.Duration `json:"delay_between_starts"`
	MaxRuntime         time.Duration `json:"max_runtime"`
}

// Named pacing presets.
const (
	PacingConservative = "conservative"
	PacingModerate     = "moderate"
	PacingAggressive   = "aggressive"
)

var presets = map[string]Pacing{
	PacingConservative: {
		Name:               PacingConservative,
		ConcurrentLimit:    1,
		DelayBetweenStarts: 30 * time.Second,
		MaxRuntime:         2 * time.Hour,
	},
	PacingModerate: {
		Name:               PacingModerate,
		ConcurrentLimit:    2,
		DelayBetweenStarts: 15 * time.Second,
		MaxRuntime:         4 * time.Hour,
	},
	PacingAggressive: {
		Name:               PacingAggressive,
		ConcurrentLimit:    4,
		DelayBetweenStarts: 5 * time.Second,
		MaxRuntime:         8 * time.Hour,
	},
}

// Preset returns the named pacing preset.
func Preset(name string) (Pacing, error) {
	p, ok := presets[name]
	if !ok {
		return Pacing{}, fmt.Errorf("unknown pacing preset %q (want conservative, moderate or aggressive)", name)
	}
	return p, nil
}

// Recommendation thresholds: small batches pace conservatively, large ones
// aggressively.
const (
	conservativeMaxFiles   = 15
	conservativeMaxTickets = 3
	moderateMaxFiles       = 40
	moderateMaxTickets     = 8
)

// Recommend picks a pacing preset from batch size. Small batches (fewer
// than ~15 files or ~3 tickets) get conservative pacing; the moderate range
// gets moderate; anything larger gets aggressive.
func Recommend(totalFiles, ticketCount int) Pacing {
	switch {
	case totalFiles < conservativeMaxFiles || ticketCount < conservativeMaxTickets:
		return presets[PacingConservative]
	case totalFiles <= moderateMaxFiles && ticketCount <= moderateMaxTickets:
		return presets[PacingModerate]
	default:
		return presets[PacingAggressive]
	}
}
