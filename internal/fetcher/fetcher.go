package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Reading is one rate report from a pool source.
type Reading struct {
	Rate uint256.Int
	// Seq must increase with every newer reading of the same source (block height, feed sequence).
	Seq uint64
}

// RateSource retrieves the current supply rate of one monitored pool.
type RateSource interface {
	FetchRate(ctx context.Context) (Reading, error)
}

// ErrEmptyRate is returned when a source reports a zero or missing rate.
var ErrEmptyRate = errors.New("source returned empty rate")

// parseRate accepts a base-10 integer or 0x-prefixed hex string.
func parseRate(raw string) (uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uint256.Int{}, ErrEmptyRate
	}

	value, ok := new(big.Int).SetString(raw, 0)
	if !ok || value.Sign() < 0 {
		return uint256.Int{}, fmt.Errorf("parse rate %q: not an unsigned integer", raw)
	}
	return fromBig(value)
}

func fromBig(value *big.Int) (uint256.Int, error) {
	if value == nil || value.Sign() == 0 {
		return uint256.Int{}, ErrEmptyRate
	}
	if value.Sign() < 0 {
		return uint256.Int{}, fmt.Errorf("negative rate %s", value)
	}
	rate, overflow := uint256.FromBig(value)
	if overflow {
		return uint256.Int{}, fmt.Errorf("rate %s overflows 256 bits", value)
	}
	return *rate, nil
}
