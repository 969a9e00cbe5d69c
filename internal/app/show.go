package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent intents and their outcomes.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show intents")
	}
	if closeStore != nil {
		defer closeStore()
	}

	intents, err := store.ListRecentIntents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		fmt.Fprintln(os.Stdout, "no intents found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Issued (UTC)\tIntent\tDirection\tAmount\tDelta bps\tStatus\tTx\tError")

	for _, rec := range intents {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.IssuedAt.UTC().Format(time.RFC3339),
			shortID(rec.ID),
			rec.Direction,
			rec.Amount.Dec(),
			rec.DeltaBps,
			rec.Status,
			deref(rec.TxHash),
			sanitizeInline(deref(rec.Error)),
		)
	}

	writer.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
