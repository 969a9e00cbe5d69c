package observation

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Slot identifies one of the two monitored rate sources.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

// Slots lists every slot in a stable order.
var Slots = [2]Slot{SlotA, SlotB}

// Valid reports whether s names a known slot.
func (s Slot) Valid() bool {
	return s == SlotA || s == SlotB
}

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// ParseSlot accepts "a"/"A"/"b"/"B".
func ParseSlot(v string) (Slot, error) {
	switch v {
	case "a", "A":
		return SlotA, nil
	case "b", "B":
		return SlotB, nil
	default:
		return 0, fmt.Errorf("unknown slot %q", v)
	}
}

// Observation is a single rate reading for a slot.
type Observation struct {
	Slot Slot
	// Rate is unsigned fixed point in the source's native precision (ray = 1e27 for lending pools).
	Rate uint256.Int
	// Seq is the monotonic sequence of the reading, usually the block height it was read at.
	Seq        uint64
	ReceivedAt time.Time
}

// Decimal scales the raw rate down by the given number of decimals.
func (o Observation) Decimal(decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(o.Rate.ToBig(), -decimals)
}

// Reading is what Snapshot returns per slot: the latest observation or NotYetSeen.
type Reading struct {
	Observation
	Seen bool
}

// NotYetSeen reports that no observation has ever been accepted for the slot.
func (r Reading) NotYetSeen() bool {
	return !r.Seen
}

// Snapshot holds both slots at one instant.
type Snapshot struct {
	A Reading
	B Reading
}

// Get returns the reading for slot.
func (s Snapshot) Get(slot Slot) Reading {
	if slot == SlotB {
		return s.B
	}
	return s.A
}

// Warm reports whether both slots have reported at least once.
func (s Snapshot) Warm() bool {
	return s.A.Seen && s.B.Seen
}
