package rebalance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/FrankiePower/Reactive-autolend/internal/cooldown"
	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

var (
	// ErrInFlight is reported when an update arrives while an intent is pending.
	ErrInFlight = errors.New("rebalance: intent in flight")
	// ErrCooldownActive is reported when the threshold is crossed inside the cooldown window.
	ErrCooldownActive = errors.New("rebalance: cooldown active")
	// ErrZeroAmount is reported when the amount policy has nothing to move.
	ErrZeroAmount = errors.New("rebalance: nothing to move")
	// ErrDispatchFailure marks a failed or rejected action.
	ErrDispatchFailure = errors.New("rebalance: dispatch failed")
	// ErrDispatchTimeout marks an action that never reported back in time.
	ErrDispatchTimeout = errors.New("rebalance: dispatch timed out")
	// ErrUnknownHandle is reported for completions that match no pending intent.
	ErrUnknownHandle = errors.New("rebalance: completion for unknown intent")
)

// State is the machine's mode.
type State int

const (
	Idle State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Dispatcher receives emitted intents. Dispatch must not block on the external
// action and must never call back into the machine synchronously; the outcome
// comes back later as an ActionCompleted event.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent Intent) error
}

// Options configure the decision rules.
type Options struct {
	ThresholdBps uint64
	Cooldown     time.Duration
	RecordOn     cooldown.RecordPolicy
}

// Machine is the rebalance decision core. Handle must be called from a single
// goroutine; each event runs to completion before the next one.
type Machine struct {
	opts       Options
	store      *observation.Store
	gate       *cooldown.Gate
	amount     policy.AmountPolicy
	dispatcher Dispatcher
	logger     zerolog.Logger

	state   State
	pending *Intent
	pools   policy.PoolStates
}

// New constructs a Machine in the Idle state.
func New(opts Options, store *observation.Store, amount policy.AmountPolicy, dispatcher Dispatcher, logger zerolog.Logger) *Machine {
	if opts.RecordOn == "" {
		opts.RecordOn = cooldown.RecordOnSuccess
	}
	if store == nil {
		store = observation.NewStore()
	}
	return &Machine{
		opts:       opts,
		store:      store,
		gate:       cooldown.NewGate(opts.Cooldown),
		amount:     amount,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "rebalance").Logger(),
	}
}

// State returns the current mode.
func (m *Machine) State() State {
	return m.state
}

// Pending returns the in-flight intent, if any.
func (m *Machine) Pending() (Intent, bool) {
	if m.pending == nil {
		return Intent{}, false
	}
	return *m.pending, true
}

// Store exposes the observation store for readers.
func (m *Machine) Store() *observation.Store {
	return m.store
}

// Cooldown exposes the gate for inspection.
func (m *Machine) Cooldown() *cooldown.Gate {
	return m.gate
}

// PoolStates returns the last allocation seen.
func (m *Machine) PoolStates() policy.PoolStates {
	return m.pools
}

// Handle applies one event and reports what happened. It never fails: every
// input either advances the machine or is a no-op described by the Decision.
func (m *Machine) Handle(ctx context.Context, ev Event) Decision {
	var d Decision
	switch e := ev.(type) {
	case RateUpdate:
		d = m.onRateUpdate(ctx, e)
	case ActionCompleted:
		d = m.onCompletion(e)
	case AllocationUpdated:
		m.pools = e.States
		d = Decision{Kind: DecisionAllocation}
	default:
		d = Decision{Kind: DecisionIgnored, Err: fmt.Errorf("rebalance: unsupported event %T", ev)}
	}
	d.Event = ev
	d.State = m.state
	m.logDecision(d)
	return d
}

func (m *Machine) onRateUpdate(ctx context.Context, e RateUpdate) Decision {
	if err := m.store.Update(e.Observation()); err != nil {
		return Decision{Kind: DecisionIgnored, Err: err}
	}

	if m.state == Pending {
		return Decision{Kind: DecisionBusy, Err: ErrInFlight}
	}

	snap := m.store.Snapshot()
	eval := threshold.Evaluate(snap.A, snap.B, m.opts.ThresholdBps)
	if eval.Kind != threshold.Exceeds {
		return Decision{Kind: DecisionNoSignal, Eval: eval, Err: eval.Err()}
	}

	now := e.At
	if !m.gate.Permits(now) {
		return Decision{Kind: DecisionSuppressed, Eval: eval, Err: ErrCooldownActive}
	}

	if m.amount == nil {
		return Decision{Kind: DecisionSkipped, Eval: eval, Err: ErrZeroAmount}
	}
	magnitude := m.amount.ComputeAmount(eval.Direction, m.pools)
	if magnitude.IsZero() {
		return Decision{Kind: DecisionSkipped, Eval: eval, Err: ErrZeroAmount}
	}

	intent := Intent{
		ID:        NewIntentID(eval.Direction, now),
		Direction: eval.Direction,
		Amount:    magnitude,
		DeltaBps:  eval.DeltaBps,
		SeqA:      snap.A.Seq,
		SeqB:      snap.B.Seq,
		IssuedAt:  now,
	}

	m.state = Pending
	m.pending = &intent

	if m.dispatcher == nil {
		m.clear()
		return Decision{Kind: DecisionDispatchRejected, Eval: eval, Intent: &intent, Err: fmt.Errorf("%w: no dispatcher", ErrDispatchFailure)}
	}
	if err := m.dispatcher.Dispatch(ctx, intent); err != nil {
		m.clear()
		return Decision{Kind: DecisionDispatchRejected, Eval: eval, Intent: &intent, Err: fmt.Errorf("%w: %w", ErrDispatchFailure, err)}
	}

	if m.opts.RecordOn == cooldown.RecordOnEmission {
		m.gate.Record(now)
	}
	return Decision{Kind: DecisionEmitted, Eval: eval, Intent: &intent}
}

func (m *Machine) onCompletion(e ActionCompleted) Decision {
	if m.state != Pending || m.pending == nil || m.pending.ID != e.Handle {
		return Decision{Kind: DecisionOrphan, Err: fmt.Errorf("%w: %s", ErrUnknownHandle, e.Handle)}
	}

	intent := *m.pending
	m.clear()

	switch e.Outcome {
	case OutcomeSuccess:
		if m.opts.RecordOn == cooldown.RecordOnSuccess {
			m.gate.Record(e.At)
		}
		return Decision{Kind: DecisionSettled, Intent: &intent}
	case OutcomeTimeout:
		return Decision{Kind: DecisionReleased, Intent: &intent, Err: wrapCause(ErrDispatchTimeout, e.Err)}
	default:
		return Decision{Kind: DecisionReleased, Intent: &intent, Err: wrapCause(ErrDispatchFailure, e.Err)}
	}
}

func (m *Machine) clear() {
	m.pending = nil
	m.state = Idle
}

func wrapCause(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

func (m *Machine) logDecision(d Decision) {
	var ev *zerolog.Event
	switch d.Kind {
	case DecisionEmitted, DecisionSettled:
		ev = m.logger.Info()
	case DecisionReleased, DecisionDispatchRejected, DecisionOrphan:
		ev = m.logger.Warn()
	case DecisionSuppressed:
		ev = m.logger.Info().Dur("cooldown_remaining", m.gate.Remaining(d.Event.EventTime()))
	case DecisionIgnored:
		if errors.Is(d.Err, observation.ErrStaleObservation) {
			ev = m.logger.Debug()
		} else {
			ev = m.logger.Warn()
		}
	default:
		ev = m.logger.Debug()
	}

	ev = ev.Str("decision", d.Kind.String()).Str("state", d.State.String())
	if u, ok := d.Event.(RateUpdate); ok {
		ev = ev.Str("slot", u.Slot.String()).Uint64("seq", u.Seq)
	}
	if d.Eval.Kind == threshold.Exceeds || d.Eval.Kind == threshold.BelowThreshold {
		ev = ev.Uint64("delta_bps", d.Eval.DeltaBps)
	}
	if d.Intent != nil {
		ev = ev.Str("intent", string(d.Intent.ID)).
			Str("direction", d.Intent.Direction.String()).
			Str("amount", d.Intent.Amount.Dec())
	}
	if d.Err != nil {
		ev = ev.Err(d.Err)
	}
	ev.Msg("event handled")
}
