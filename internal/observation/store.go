package observation

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStaleObservation is returned when the sequence is not newer than the stored one.
	ErrStaleObservation = errors.New("observation: stale, ignored")
	// ErrInvalidObservation is returned for readings that can never be valid (zero rate).
	ErrInvalidObservation = errors.New("observation: invalid")
	// ErrUnknownSlot is returned for slots other than A and B.
	ErrUnknownSlot = errors.New("observation: unknown slot")
)

// Store keeps the latest accepted observation per slot.
//
// Each slot is an atomic pointer to an immutable Observation, so readers never
// block writers and vice versa. Writers racing on the same slot settle through
// compare-and-swap: whichever carries the larger Seq wins regardless of arrival order.
type Store struct {
	slots [2]atomic.Pointer[Observation]
}

// NewStore returns an empty store; both slots start as NotYetSeen.
func NewStore() *Store {
	return &Store{}
}

// Update stores obs if its Seq is strictly greater than the slot's current Seq.
// It returns ErrStaleObservation otherwise, leaving the slot untouched.
func (s *Store) Update(obs Observation) error {
	if !obs.Slot.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, int(obs.Slot))
	}
	if obs.Rate.IsZero() {
		return fmt.Errorf("%w: zero rate for slot %s", ErrInvalidObservation, obs.Slot)
	}

	next := obs
	cell := &s.slots[obs.Slot]
	for {
		cur := cell.Load()
		if cur != nil && obs.Seq <= cur.Seq {
			return fmt.Errorf("%w: slot %s seq %d <= %d", ErrStaleObservation, obs.Slot, obs.Seq, cur.Seq)
		}
		if cell.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}

// Latest returns the current reading for a slot.
func (s *Store) Latest(slot Slot) Reading {
	if !slot.Valid() {
		return Reading{}
	}
	cur := s.slots[slot].Load()
	if cur == nil {
		return Reading{Observation: Observation{Slot: slot}}
	}
	return Reading{Observation: *cur, Seen: true}
}

// Snapshot returns both slots. The two loads are independent; a snapshot may pair
// a just-written value for one slot with an older value for the other.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		A: s.Latest(SlotA),
		B: s.Latest(SlotB),
	}
}
