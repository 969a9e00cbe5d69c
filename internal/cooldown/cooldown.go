package cooldown

import (
	"fmt"
	"strings"
	"time"
)

// RecordPolicy decides when a trigger consumes cooldown.
type RecordPolicy string

const (
	// RecordOnSuccess records only after the dispatcher confirms success (fail-open).
	RecordOnSuccess RecordPolicy = "success"
	// RecordOnEmission records as soon as an intent is emitted.
	RecordOnEmission RecordPolicy = "emission"
)

// ParseRecordPolicy accepts "success" or "emission"; empty means success.
func ParseRecordPolicy(v string) (RecordPolicy, error) {
	switch RecordPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", RecordOnSuccess:
		return RecordOnSuccess, nil
	case RecordOnEmission:
		return RecordOnEmission, nil
	default:
		return "", fmt.Errorf("unknown cooldown record policy %q", v)
	}
}

// Gate rejects triggers inside the cooldown window after the last recorded one.
// It is owned by the state machine and not safe for concurrent use.
type Gate struct {
	duration time.Duration
	last     time.Time
	recorded bool
}

// NewGate builds a gate with the given window. A non-positive window never blocks.
func NewGate(duration time.Duration) *Gate {
	return &Gate{duration: duration}
}

// Permits reports whether now is outside the cooldown window.
func (g *Gate) Permits(now time.Time) bool {
	if !g.recorded {
		return true
	}
	return !now.Before(g.last.Add(g.duration))
}

// Record sets the last trigger time unconditionally.
func (g *Gate) Record(now time.Time) {
	g.last = now
	g.recorded = true
}

// Remaining is how long until Permits turns true; zero when it already is.
func (g *Gate) Remaining(now time.Time) time.Duration {
	if g.Permits(now) {
		return 0
	}
	return g.last.Add(g.duration).Sub(now)
}

// LastTrigger returns the last recorded trigger, if any.
func (g *Gate) LastTrigger() (time.Time, bool) {
	return g.last, g.recorded
}

// Duration returns the configured window.
func (g *Gate) Duration() time.Duration {
	return g.duration
}
