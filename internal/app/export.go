package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/storage"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

// exportRow is one observation plus the pair delta at that moment.
type exportRow struct {
	At     time.Time
	Slot   string
	Source string
	Seq    uint64
	Raw    uint256.Int
	Rate   decimal.Decimal
	// DeltaBps is set once both slots have reported.
	DeltaBps *uint64
}

// Export renders observation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	interval := a.Config.Sources.A.Interval
	if b := a.Config.Sources.B.Interval; b > 0 && b < interval {
		interval = b
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListObservationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}

	rows := buildRows(records, [2]int32{a.Config.Sources.A.RateDecimals, a.Config.Sources.B.RateDecimals})
	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// buildRows replays records in order, tracking the latest rate of each slot
// so every row carries the delta the monitor would have evaluated.
func buildRows(records []storage.ObservationRecord, decimals [2]int32) []exportRow {
	var (
		latest [2]uint256.Int
		seen   [2]bool
	)
	rows := make([]exportRow, 0, len(records))
	for _, rec := range records {
		slot, err := observation.ParseSlot(rec.Slot)
		if err != nil {
			continue
		}
		latest[slot] = rec.Rate
		seen[slot] = true

		row := exportRow{
			At:     rec.ReceivedAt,
			Slot:   rec.Slot,
			Source: rec.Source,
			Seq:    rec.Seq,
			Raw:    rec.Rate,
			Rate:   decimal.NewFromBigInt(rec.Rate.ToBig(), -decimals[slot]),
		}
		if seen[0] && seen[1] {
			res := threshold.EvaluateRates(&latest[0], &latest[1], 0)
			if res.Kind != threshold.Indeterminate {
				delta := res.DeltaBps
				row.DeltaBps = &delta
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"received_at", "slot", "source", "seq", "rate_raw", "rate", "delta_bps"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		delta := ""
		if row.DeltaBps != nil {
			delta = strconv.FormatUint(*row.DeltaBps, 10)
		}
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			row.Slot,
			row.Source,
			strconv.FormatUint(row.Seq, 10),
			row.Raw.Dec(),
			row.Rate.String(),
			delta,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRowsPNG(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		xs    [2][]time.Time
		ys    [2][]float64
		xd    []time.Time
		delta []float64
	)
	for _, row := range rows {
		slot, err := observation.ParseSlot(row.Slot)
		if err != nil {
			continue
		}
		xs[slot] = append(xs[slot], row.At)
		ys[slot] = append(ys[slot], row.Rate.InexactFloat64())
		if row.DeltaBps != nil {
			xd = append(xd, row.At)
			delta = append(delta, float64(*row.DeltaBps))
		}
	}

	series := make([]chart.Series, 0, 3)
	for _, slot := range observation.Slots {
		if len(xs[slot]) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{
			Name:    "Rate " + slot.String(),
			XValues: xs[slot],
			YValues: ys[slot],
		})
	}
	if len(xd) >= 2 {
		series = append(series, chart.TimeSeries{
			Name:    "Delta (bps)",
			XValues: xd,
			YValues: delta,
			YAxis:   chart.YAxisSecondary,
		})
	}
	if len(series) == 0 {
		return errors.New("not enough observations to draw a chart")
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Delta (bps)",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
