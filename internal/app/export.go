package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"gasguard/internal/gas"
)

const (
	// exportFetchLimit caps the rows read before downsampling.
	exportFetchLimit = 1_000_000
	mixedSource      = "mixed"
)

var csvHeader = []string{"observed_at", "gwei", "wei", "status", "source"}

// Export renders stored gas samples as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)
	from, to, err := a.exportWindow(opts, maxPoints)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	samples, err := store.ListGasSamplesBetween(ctx, from, to, exportFetchLimit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no samples in export window")
		return nil
	}

	points := bucketSamples(samples, maxPoints)
	a.Logger.Info().Int("read", len(samples)).Int("points", len(points)).Msg("exporting gas samples")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return encodeSamplesCSV(w, points) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if len(points) < 2 {
			return errors.New("at least two samples are required to draw a chart")
		}
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderSamplesChart(w, points) }); err != nil {
			return err
		}
	}
	return nil
}

// exportWindow defaults to the span covered by maxPoints gas polls ending now.
func (a *App) exportWindow(opts ExportOptions, maxPoints int) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(maxPoints) * a.Config.Scheduler.GasInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

// bucketSamples splits samples into at most max contiguous buckets and replaces each
// with its mean price stamped at the bucket's last observation.
func bucketSamples(samples []gas.Sample, max int) []gas.Sample {
	n := len(samples)
	if max <= 0 || n <= max {
		return samples
	}

	out := make([]gas.Sample, 0, max)
	for i := 0; i < max; i++ {
		lo, hi := i*n/max, (i+1)*n/max
		if lo == hi {
			continue
		}
		out = append(out, meanSample(samples[lo:hi]))
	}
	return out
}

func meanSample(bucket []gas.Sample) gas.Sample {
	sum := decimal.Zero
	source := bucket[0].Source
	for _, s := range bucket {
		sum = sum.Add(s.Gwei)
		if s.Source != source {
			source = mixedSource
		}
	}
	last := bucket[len(bucket)-1]
	mean := sum.Div(decimal.NewFromInt(int64(len(bucket))))
	return gas.FromGwei(mean, last.ObservedAt, source)
}

func encodeSamplesCSV(w io.Writer, samples []gas.Sample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		err := writer.Write([]string{
			s.ObservedAt.UTC().Format(time.RFC3339),
			s.Gwei.StringFixed(2),
			s.WeiRaw,
			string(gas.ClassifyStatus(s.Gwei)),
			s.Source,
		})
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func renderSamplesChart(w io.Writer, samples []gas.Sample) error {
	x := make([]time.Time, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.ObservedAt
		y[i] = s.Gwei.InexactFloat64()
	}
	price := chart.TimeSeries{Name: "Gas price", XValues: x, YValues: y}
	span := []time.Time{x[0], x[len(x)-1]}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis:  chart.XAxis{ValueFormatter: chart.TimeValueFormatter},
		YAxis: chart.YAxis{
			Name: "Gas price (gwei)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			price,
			chart.SMASeries{
				Name:        "Moving average",
				Period:      smaPeriod(len(samples)),
				InnerSeries: price,
				Style:       chart.Style{StrokeColor: chart.ColorGreen, StrokeWidth: 1},
			},
			thresholdSeries("MEDIUM above", gas.MediumThreshold, span, chart.ColorOrange),
			thresholdSeries("HIGH above", gas.HighThreshold, span, chart.ColorRed),
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph.Render(chart.PNG, w)
}

func thresholdSeries(name string, level decimal.Decimal, span []time.Time, color drawing.Color) chart.TimeSeries {
	v := level.InexactFloat64()
	return chart.TimeSeries{
		Name:    name,
		XValues: span,
		YValues: []float64{v, v},
		Style: chart.Style{
			StrokeColor:     color,
			StrokeWidth:     1,
			StrokeDashArray: []float64{4, 4},
		},
	}
}

func smaPeriod(n int) int {
	if p := n / 20; p > 2 {
		return p
	}
	return 2
}

func writeFile(path string, encode func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
