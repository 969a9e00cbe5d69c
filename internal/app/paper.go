package app

import (
	"context"
	"errors"
	"strings"

	"github.com/holiman/uint256"

	"github.com/FrankiePower/Reactive-autolend/internal/dispatch"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
)

// Simulated outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// paperVault settles every request in memory without touching the chain.
type paperVault struct {
	outcome string
}

func newPaperVault(outcome string) (*paperVault, error) {
	switch strings.ToLower(outcome) {
	case "", OutcomeSuccess:
		return &paperVault{outcome: OutcomeSuccess}, nil
	case OutcomeFailure, OutcomeTimeout:
		return &paperVault{outcome: strings.ToLower(outcome)}, nil
	default:
		return nil, errors.New("outcome 只能是 success、failure 或 timeout")
	}
}

func (p *paperVault) Rebalance(ctx context.Context, req dispatch.Request) (dispatch.Receipt, error) {
	tx := "paper-" + req.IdempotencyKey
	switch p.outcome {
	case OutcomeFailure:
		return dispatch.Receipt{TxHash: tx, Reason: "simulated revert"}, nil
	case OutcomeTimeout:
		<-ctx.Done()
		return dispatch.Receipt{}, ctx.Err()
	default:
		return dispatch.Receipt{TxHash: tx, Success: true}, nil
	}
}

func (p *paperVault) AuthorizedCaller(context.Context) (string, error) {
	return "", nil
}

// paperPools is used when no vault is configured: an even split of one unit per pool.
func paperPools() policy.PoolStates {
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))
	total := new(uint256.Int).Add(unit, unit)
	return policy.PoolStates{
		TotalAssets: *total,
		Allocation:  [2]uint256.Int{*unit, *unit},
		Known:       true,
	}
}

func (a *App) poolStates(ctx context.Context) policy.PoolStates {
	if a.Config.Vault.Address == "" {
		return paperPools()
	}
	states, err := a.newVault().PoolStates(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("无法读取 vault 仓位, 使用模拟仓位")
		return paperPools()
	}
	return states
}

var _ dispatch.Vault = (*paperVault)(nil)
