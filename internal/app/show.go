package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"gasguard/internal/gas"
)

// Show prints the most recent gas samples, newest first, with a range summary.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	defer closeStore()

	samples, err := store.ListRecentGasSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return nil
	}
	total, err := store.CountGasSamples(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Time (UTC)\tGwei\tStatus\tSource")
	for _, s := range samples {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			s.ObservedAt.UTC().Format(time.RFC3339),
			s.Gwei.StringFixed(2),
			gas.ClassifyStatus(s.Gwei),
			sanitizeInline(s.Source),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	low, high, mean := sampleRange(samples)
	fmt.Fprintf(a.Out, "showing %d of %d samples (min %s, max %s, avg %s gwei)\n",
		len(samples), total, low.StringFixed(2), high.StringFixed(2), mean.StringFixed(2))
	return nil
}

func sampleRange(samples []gas.Sample) (low, high, mean decimal.Decimal) {
	values := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		values[i] = s.Gwei
	}
	return decimal.Min(values[0], values[1:]...), decimal.Max(values[0], values[1:]...), decimal.Avg(values[0], values[1:]...)
}

func sanitizeInline(v string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, v)
}
