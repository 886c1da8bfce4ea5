package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gasguard/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	showLimit       int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent gas samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored gas samples as CSV and/or PNG chart",
	Example: `  gasguard export --from 24h --csv out/gas.csv
  gasguard export --from 2025-03-01T00:00:00Z --to 2025-03-02T00:00:00Z --png out/gas.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		from, err := parseTimeFlag("from", exportFrom, now)
		if err != nil {
			return err
		}
		opts.From = from

		to, err := parseTimeFlag("to", exportTo, now)
		if err != nil {
			return err
		}
		opts.To = to

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts an RFC3339 timestamp or a duration counted back from now.
func parseTimeFlag(name, value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts, nil
	}
	ago, err := time.ParseDuration(value)
	if err != nil || ago < 0 {
		return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or a duration such as 6h", name, value)
	}
	ts := now.Add(-ago)
	return &ts, nil
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")

	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or duration ago, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339 or duration ago, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
