package threshold

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/FrankiePower/Reactive-autolend/internal/observation"
)

// BpsDenominator is the basis point scale: 10000 bps = 100%.
const BpsDenominator = 10_000

// ErrIndeterminate means the evaluator declines to decide: a slot has never
// reported, or both rates are zero.
var ErrIndeterminate = errors.New("threshold: indeterminate")

// Direction says which way funds should move.
type Direction int

const (
	AToB Direction = iota + 1
	BToA
)

// Flip returns the opposite direction.
func (d Direction) Flip() Direction {
	switch d {
	case AToB:
		return BToA
	case BToA:
		return AToB
	default:
		return d
	}
}

// Source is the slot funds leave.
func (d Direction) Source() observation.Slot {
	if d == BToA {
		return observation.SlotB
	}
	return observation.SlotA
}

// Target is the slot funds move into.
func (d Direction) Target() observation.Slot {
	return d.Source().Other()
}

func (d Direction) String() string {
	switch d {
	case AToB:
		return "A->B"
	case BToA:
		return "B->A"
	default:
		return "none"
	}
}

// Kind classifies an evaluation.
type Kind int

const (
	Indeterminate Kind = iota
	BelowThreshold
	Exceeds
)

func (k Kind) String() string {
	switch k {
	case BelowThreshold:
		return "below_threshold"
	case Exceeds:
		return "exceeds"
	default:
		return "indeterminate"
	}
}

// Result is the evaluator verdict. Direction is only set when Kind == Exceeds.
type Result struct {
	Kind      Kind
	Direction Direction
	DeltaBps  uint64
}

// Err maps Indeterminate to ErrIndeterminate and everything else to nil.
func (r Result) Err() error {
	if r.Kind == Indeterminate {
		return ErrIndeterminate
	}
	return nil
}

// Mirror returns the result as seen with the arguments swapped.
func (r Result) Mirror() Result {
	r.Direction = r.Direction.Flip()
	return r
}

// Evaluate compares two readings against thresholdBps.
//
// deltaBps = |a - b| * 10000 / max(a, b), rounded down. Funds move toward the
// higher side: if b > a the direction is AToB. The comparison is inclusive.
func Evaluate(a, b observation.Reading, thresholdBps uint64) Result {
	if !a.Seen || !b.Seen {
		return Result{Kind: Indeterminate}
	}
	return EvaluateRates(&a.Rate, &b.Rate, thresholdBps)
}

// EvaluateRates is Evaluate on raw rates.
func EvaluateRates(a, b *uint256.Int, thresholdBps uint64) Result {
	if a.IsZero() && b.IsZero() {
		return Result{Kind: Indeterminate}
	}

	cmp := a.Cmp(b)
	if cmp == 0 {
		return Result{Kind: BelowThreshold}
	}

	var (
		hi, lo    = a, b
		direction = BToA
	)
	if cmp < 0 {
		hi, lo = b, a
		direction = AToB
	}

	diff := new(uint256.Int).Sub(hi, lo)
	// diff <= hi, so the quotient is at most 10000 and MulDiv cannot overflow.
	delta, _ := new(uint256.Int).MulDivOverflow(diff, uint256.NewInt(BpsDenominator), hi)
	deltaBps := delta.Uint64()

	if deltaBps < thresholdBps {
		return Result{Kind: BelowThreshold, DeltaBps: deltaBps}
	}
	return Result{Kind: Exceeds, Direction: direction, DeltaBps: deltaBps}
}
