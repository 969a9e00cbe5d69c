package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/rebalance"
	"github.com/FrankiePower/Reactive-autolend/internal/service"
	"github.com/FrankiePower/Reactive-autolend/internal/storage"
)

// ReplayReport summarises a replay.
type ReplayReport struct {
	Observations int
	Decisions    map[string]int
	Intents      []rebalance.Intent
}

// Replay feeds journaled observations through a fresh machine with a paper
// vault and reports which intents would have been emitted.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if !opts.From.Before(opts.To) {
		return errors.New("回放范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法回放")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListObservationsBetween(ctx, opts.From.UTC(), opts.To.UTC())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("回放窗口内没有观测数据")
		return nil
	}

	report, err := a.replayRecords(ctx, records)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("observations", report.Observations).
		Int("intents", len(report.Intents)).
		Interface("decisions", report.Decisions).
		Msg("回放完成")
	return writeReplayReport(os.Stdout, report)
}

func (a *App) replayRecords(ctx context.Context, records []storage.ObservationRecord) (ReplayReport, error) {
	amount, err := a.newAmountPolicy()
	if err != nil {
		return ReplayReport{}, err
	}
	pools := a.poolStates(ctx)

	// completions are stamped with the historical time of the event that triggered them
	var cursor atomic.Int64
	clock := func() time.Time { return time.Unix(0, cursor.Load()).UTC() }

	paper, _ := newPaperVault(OutcomeSuccess)
	svc := service.New(service.Options{
		Rules:       a.rules(),
		MaxInFlight: a.Config.Monitor.MaxInFlight,
		Clock:       clock,
	}, service.Deps{
		Vault:  paper,
		Amount: amount,
	}, a.Logger)
	defer svc.Close()

	report := ReplayReport{Decisions: make(map[string]int)}
	first := records[0].ReceivedAt
	svc.Process(ctx, rebalance.AllocationUpdated{States: pools, At: first})

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		slot, err := observation.ParseSlot(rec.Slot)
		if err != nil {
			a.Logger.Warn().Err(err).Int64("id", rec.ID).Msg("跳过未知 slot")
			continue
		}

		cursor.Store(rec.ReceivedAt.UnixNano())
		report.Observations++
		d := svc.Process(ctx, rebalance.RateUpdate{Slot: slot, Rate: rec.Rate, Seq: rec.Seq, At: rec.ReceivedAt})
		report.Decisions[d.Kind.String()]++

		if d.Kind != rebalance.DecisionEmitted {
			continue
		}
		report.Intents = append(report.Intents, *d.Intent)

		done, err := svc.Next(ctx)
		if err != nil {
			return report, fmt.Errorf("await paper completion: %w", err)
		}
		report.Decisions[done.Kind.String()]++
	}
	return report, nil
}

func writeReplayReport(out io.Writer, report ReplayReport) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(report.Intents) == 0 {
		fmt.Fprintln(writer, "no intents would have been emitted")
	} else {
		fmt.Fprintln(writer, "Issued (UTC)\tDirection\tAmount\tDelta bps\tSeq A\tSeq B")
		for _, intent := range report.Intents {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\n",
				intent.IssuedAt.UTC().Format(time.RFC3339),
				intent.Direction,
				intent.Amount.Dec(),
				intent.DeltaBps,
				intent.SeqA,
				intent.SeqB,
			)
		}
	}

	kinds := make([]string, 0, len(report.Decisions))
	for kind := range report.Decisions {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "Decision\tCount")
	for _, kind := range kinds {
		fmt.Fprintf(writer, "%s\t%d\n", kind, report.Decisions[kind])
	}
	return writer.Flush()
}
