package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/rebalance"
	"github.com/FrankiePower/Reactive-autolend/internal/service"
)

const maxSimulatedInFlight = 3 * time.Second

// Simulate 用给定的两侧利率跑一次完整的决策流程 (内存 vault)。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	decisions, err := a.simulate(ctx, opts)
	if err != nil {
		return err
	}
	return writeDecisions(os.Stdout, decisions)
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions) ([]rebalance.Decision, error) {
	paper, err := newPaperVault(opts.Outcome)
	if err != nil {
		return nil, err
	}

	rates := [2]string{opts.RateA, opts.RateB}
	var scaled [2]uint256.Int
	for _, slot := range observation.Slots {
		v, err := scaleRate(rates[slot], a.sourceConfig(slot).RateDecimals)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", slot, err)
		}
		scaled[slot] = v
	}

	amount, err := a.newAmountPolicy()
	if err != nil {
		return nil, err
	}

	maxInFlight := a.Config.Monitor.MaxInFlight
	if maxInFlight <= 0 || maxInFlight > maxSimulatedInFlight {
		maxInFlight = maxSimulatedInFlight
	}

	sources := [2]service.Source{}
	for _, slot := range observation.Slots {
		cfg := a.sourceConfig(slot)
		sources[slot] = service.Source{Name: cfg.Name, RateDecimals: cfg.RateDecimals}
	}

	svc := service.New(service.Options{
		Rules:       a.rules(),
		MaxInFlight: maxInFlight,
	}, service.Deps{
		Sources:  sources,
		Vault:    paper,
		Amount:   amount,
		Notifier: a.newNotifier(),
	}, a.Logger)
	defer svc.Close()

	now := time.Now().UTC()
	events := []rebalance.Event{
		rebalance.AllocationUpdated{States: a.poolStates(ctx), At: now},
		rebalance.RateUpdate{Slot: observation.SlotA, Rate: scaled[observation.SlotA], Seq: 1, At: now},
		rebalance.RateUpdate{Slot: observation.SlotB, Rate: scaled[observation.SlotB], Seq: 1, At: now},
	}

	decisions := make([]rebalance.Decision, 0, len(events)+1)
	for _, ev := range events {
		decisions = append(decisions, svc.Process(ctx, ev))
	}

	if svc.Machine().State() == rebalance.Pending {
		waitCtx, cancel := context.WithTimeout(ctx, maxInFlight+time.Second)
		defer cancel()
		d, err := svc.Next(waitCtx)
		if err != nil {
			return decisions, fmt.Errorf("等待模拟结果失败: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// scaleRate converts a human rate ("0.035") into the source's fixed-point integer.
func scaleRate(v string, decimals int32) (uint256.Int, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("invalid rate %q: %w", v, err)
	}
	if !d.IsPositive() {
		return uint256.Int{}, fmt.Errorf("rate %q must be positive", v)
	}
	raw, overflow := uint256.FromBig(d.Shift(decimals).Truncate(0).BigInt())
	if overflow {
		return uint256.Int{}, fmt.Errorf("rate %q overflows 256 bits", v)
	}
	return *raw, nil
}

func writeDecisions(out io.Writer, decisions []rebalance.Decision) error {
	for _, d := range decisions {
		line := fmt.Sprintf("%-18s state=%s", d.Kind, d.State)
		if d.Intent != nil {
			line += fmt.Sprintf(" intent=%s direction=%s amount=%s delta_bps=%d",
				d.Intent.ID, d.Intent.Direction, d.Intent.Amount.Dec(), d.Intent.DeltaBps)
		}
		if d.Err != nil {
			line += " err=" + d.Err.Error()
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}
