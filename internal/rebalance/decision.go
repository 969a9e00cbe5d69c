package rebalance

import "github.com/FrankiePower/Reactive-autolend/internal/threshold"

// DecisionKind classifies the effect of one event.
type DecisionKind int

const (
	// DecisionIgnored: the observation was stale or malformed and never reached the evaluator.
	DecisionIgnored DecisionKind = iota
	// DecisionBusy: an intent is already in flight.
	DecisionBusy
	// DecisionNoSignal: indeterminate or below threshold.
	DecisionNoSignal
	// DecisionSuppressed: threshold crossed inside the cooldown window.
	DecisionSuppressed
	// DecisionSkipped: the amount policy returned zero.
	DecisionSkipped
	// DecisionEmitted: an intent was emitted and the machine is Pending.
	DecisionEmitted
	// DecisionDispatchRejected: the dispatcher refused the intent up front.
	DecisionDispatchRejected
	// DecisionSettled: the pending intent succeeded.
	DecisionSettled
	// DecisionReleased: the pending intent failed or timed out.
	DecisionReleased
	// DecisionOrphan: a completion matched no pending intent.
	DecisionOrphan
	// DecisionAllocation: pool states refreshed.
	DecisionAllocation
)

var decisionNames = map[DecisionKind]string{
	DecisionIgnored:          "ignored",
	DecisionBusy:             "in_flight",
	DecisionNoSignal:         "no_signal",
	DecisionSuppressed:       "cooldown",
	DecisionSkipped:          "zero_amount",
	DecisionEmitted:          "emitted",
	DecisionDispatchRejected: "dispatch_rejected",
	DecisionSettled:          "settled",
	DecisionReleased:         "released",
	DecisionOrphan:           "orphan",
	DecisionAllocation:       "allocation",
}

func (k DecisionKind) String() string {
	if name, ok := decisionNames[k]; ok {
		return name
	}
	return "unknown"
}

// Decision describes what Handle did with an event.
type Decision struct {
	Kind   DecisionKind
	Event  Event
	Eval   threshold.Result
	Intent *Intent
	Err    error
	// State after the event.
	State State
}
