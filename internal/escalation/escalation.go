// Package escalation tracks per-field failure counters and decides how severe the
// next re-prompt should be.
package escalation

import (
	"log/slog"

	"github.com/wbattistetti/omnia/internal/models"
)

// MaxLevel is the highest escalation level a counter can reach.
const MaxLevel = 3

// NextLevel returns the level that follows current under strategy.
// Out of range input is clamped into [0, MaxLevel].
func NextLevel(current int, strategy models.EscalationStrategy) int {
	if current < 0 || current > MaxLevel {
		slog.Warn("escalation.NextLevel: clamping out of range level", "current", current, "strategy", strategy)
		current = max(0, min(current, MaxLevel))
	}
	if current == 0 {
		return 1
	}
	switch strategy {
	case models.StrategyRotate:
		return current%MaxLevel + 1
	default:
		return min(current+1, MaxLevel)
	}
}

// StepFor returns the step presented after a failure of the given kind.
func StepFor(kind models.FailureKind) models.StepType {
	switch kind {
	case models.FailureNoInput, models.FailureConfirmNoInput:
		return models.StepNoInput
	case models.FailureNoMatch, models.FailureConfirmNoMatch:
		return models.StepNoMatch
	case models.FailureNotConfirmed:
		return models.StepNotConfirmed
	default:
		return models.StepNoMatch
	}
}

type counter struct {
	level    int
	failures int
}

// Counters holds the five independent counters of one field instance. The zero
// value is ready to use. Counters are not safe for concurrent use; the owning
// session serializes access.
type Counters struct {
	counters map[models.FailureKind]*counter
}

// NewCounters returns counters with every kind at zero.
func NewCounters() *Counters {
	c := &Counters{counters: make(map[models.FailureKind]*counter, 5)}
	for _, kind := range models.AllFailureKinds() {
		c.counters[kind] = &counter{}
	}
	return c
}

func (c *Counters) get(kind models.FailureKind) *counter {
	if c.counters == nil {
		c.counters = make(map[models.FailureKind]*counter, 5)
	}
	ct, ok := c.counters[kind]
	if !ok {
		ct = &counter{}
		c.counters[kind] = ct
	}
	return ct
}

// Level returns the current level of kind.
func (c *Counters) Level(kind models.FailureKind) int {
	return c.get(kind).level
}

// Failures returns how many failures of kind have been recorded.
func (c *Counters) Failures(kind models.FailureKind) int {
	return c.get(kind).failures
}

// Advance records one failure of kind and returns the level to present. When the
// counter has already absorbed MaxLevel failures the dialogue is exhausted and the
// level is left unchanged.
func (c *Counters) Advance(kind models.FailureKind, strategy models.EscalationStrategy) (level int, exhausted bool) {
	ct := c.get(kind)
	if ct.failures >= MaxLevel {
		slog.Debug("Counters.Advance: escalation exhausted", "kind", kind, "failures", ct.failures)
		return ct.level, true
	}
	ct.failures++
	ct.level = NextLevel(ct.level, strategy)
	slog.Debug("Counters.Advance", "kind", kind, "strategy", strategy, "level", ct.level, "failures", ct.failures)
	return ct.level, false
}

// Snapshot returns the current level of every kind.
func (c *Counters) Snapshot() map[models.FailureKind]int {
	out := make(map[models.FailureKind]int, 5)
	for _, kind := range models.AllFailureKinds() {
		out[kind] = c.get(kind).level
	}
	return out
}
