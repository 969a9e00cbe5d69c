package rebalance

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
)

// Event is the closed set of inputs the machine consumes. The unexported
// method keeps other packages from adding variants.
type Event interface {
	isEvent()
	// EventTime is the instant the machine uses as "now" for the event.
	EventTime() time.Time
}

// RateUpdate carries one reading from a pool source.
type RateUpdate struct {
	Slot observation.Slot
	Rate uint256.Int
	Seq  uint64
	At   time.Time
}

// ActionCompleted carries the dispatcher's verdict for an intent.
type ActionCompleted struct {
	Handle  IntentID
	Outcome Outcome
	TxHash  string
	Err     error
	At      time.Time
}

// AllocationUpdated refreshes the pool states used by the amount policy.
type AllocationUpdated struct {
	States policy.PoolStates
	At     time.Time
}

func (RateUpdate) isEvent()        {}
func (ActionCompleted) isEvent()   {}
func (AllocationUpdated) isEvent() {}

func (e RateUpdate) EventTime() time.Time        { return e.At }
func (e ActionCompleted) EventTime() time.Time   { return e.At }
func (e AllocationUpdated) EventTime() time.Time { return e.At }

// Observation converts the update into a store observation.
func (e RateUpdate) Observation() observation.Observation {
	return observation.Observation{Slot: e.Slot, Rate: e.Rate, Seq: e.Seq, ReceivedAt: e.At}
}

// Outcome is the result of an external rebalance action.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
