package policy

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

// PoolStates is the vault's last known allocation across both pools.
type PoolStates struct {
	TotalAssets uint256.Int
	Allocation  [2]uint256.Int
	At          time.Time
	Known       bool
}

// Allocated returns the amount currently held in slot.
func (p PoolStates) Allocated(slot observation.Slot) uint256.Int {
	if !slot.Valid() {
		return uint256.Int{}
	}
	return p.Allocation[slot]
}

// AmountPolicy computes how much to move for a direction. Implementations must
// be total and free of side effects; a zero result means "nothing to move".
type AmountPolicy interface {
	ComputeAmount(direction threshold.Direction, states PoolStates) uint256.Int
}

// Func adapts a plain function to AmountPolicy.
type Func func(direction threshold.Direction, states PoolStates) uint256.Int

// ComputeAmount calls f.
func (f Func) ComputeAmount(direction threshold.Direction, states PoolStates) uint256.Int {
	return f(direction, states)
}

// Proportional moves MoveBps of whatever sits in the source pool, skipping
// amounts below Min.
type Proportional struct {
	MoveBps uint64
	Min     uint256.Int
}

// NewProportional validates moveBps (1..10000).
func NewProportional(moveBps uint64, min uint256.Int) (*Proportional, error) {
	if moveBps == 0 || moveBps > threshold.BpsDenominator {
		return nil, fmt.Errorf("policy: move_bps must be within 1..%d, got %d", threshold.BpsDenominator, moveBps)
	}
	return &Proportional{MoveBps: moveBps, Min: min}, nil
}

// ComputeAmount implements AmountPolicy.
func (p *Proportional) ComputeAmount(direction threshold.Direction, states PoolStates) uint256.Int {
	if !states.Known {
		return uint256.Int{}
	}

	source := states.Allocated(direction.Source())
	if source.IsZero() {
		return uint256.Int{}
	}

	var amount uint256.Int
	if p.MoveBps >= threshold.BpsDenominator {
		amount = source
	} else {
		amount.MulDivOverflow(&source, uint256.NewInt(p.MoveBps), uint256.NewInt(threshold.BpsDenominator))
	}

	if amount.Lt(&p.Min) {
		return uint256.Int{}
	}
	return amount
}

var _ AmountPolicy = (*Proportional)(nil)
var _ AmountPolicy = Func(nil)
