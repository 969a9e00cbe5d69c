package storage

import (
	"time"

	"github.com/holiman/uint256"
)

// Intent statuses as stored in rebalance_intents.status.
const (
	IntentPending  = "pending"
	IntentSettled  = "settled"
	IntentFailed   = "failed"
	IntentTimeout  = "timeout"
	IntentRejected = "rejected"
)

// ObservationRecord is an accepted rate observation.
type ObservationRecord struct {
	ID         int64
	Slot       string
	Source     string
	Rate       uint256.Int
	Seq        uint64
	ReceivedAt time.Time
	CreatedAt  time.Time
}

// IntentRecord tracks an emitted intent through to its outcome.
type IntentRecord struct {
	ID          string
	Direction   string
	Amount      uint256.Int
	DeltaBps    uint64
	SeqA        uint64
	SeqB        uint64
	IssuedAt    time.Time
	Status      string
	TxHash      *string
	Error       *string
	CompletedAt *time.Time
	CreatedAt   time.Time
}
