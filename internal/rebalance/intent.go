package rebalance

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

// intentNamespace scopes intent identifiers so they never collide with other UUIDv5 users.
var intentNamespace = uuid.MustParse("8f0b5c62-3c8e-4b7a-9d43-6e1f2a5b7c90")

// IntentID is the logical identity of an intent, derived from direction and issue time.
// It doubles as the dispatcher handle and the vault idempotency key.
type IntentID string

// NewIntentID derives the deterministic id for (direction, issuedAt).
func NewIntentID(direction threshold.Direction, issuedAt time.Time) IntentID {
	key := direction.String() + "@" + strconv.FormatInt(issuedAt.UnixNano(), 10)
	return IntentID(uuid.NewSHA1(intentNamespace, []byte(key)).String())
}

// Intent is the decision to move funds. It is immutable once emitted.
type Intent struct {
	ID        IntentID
	Direction threshold.Direction
	Amount    uint256.Int
	DeltaBps  uint64
	// Seq of both slots at decision time, for audit.
	SeqA     uint64
	SeqB     uint64
	IssuedAt time.Time
}
