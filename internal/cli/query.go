package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"gasguard/internal/app"
)

var (
	gasUnits       uint64
	crossChainDays int
	priceEpochs    int
	priceConvert   string
	priceAmount    string
)

var gasCmd = &cobra.Command{
	Use:   "gas",
	Short: "Print the current gas price, congestion and cost estimate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Gas(cmd.Context(), app.GasOptions{GasUnits: gasUnits})
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Print 1h, 6h and 24h gas price forecasts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Predict(cmd.Context())
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Retrain the forecasting model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Train(cmd.Context())
	},
}

var crossChainCmd = &cobra.Command{
	Use:   "crosschain",
	Short: "Print attested gas prices across chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		if crossChainDays < 0 {
			return fmt.Errorf("--history-days cannot be negative")
		}
		return getApp().CrossChain(cmd.Context(), app.CrossChainOptions{HistoryDays: crossChainDays})
	},
}

var priceCmd = &cobra.Command{
	Use:   "price [feed-id]",
	Short: "Print an on-chain feed price such as FLR/USD",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PriceOptions{Epochs: priceEpochs, Symbol: priceConvert}
		if len(args) == 1 {
			opts.FeedID = args[0]
		}
		if priceConvert != "" {
			amount, err := decimal.NewFromString(priceAmount)
			if err != nil {
				return fmt.Errorf("invalid --amount value: %w", err)
			}
			opts.Amount = amount
		}
		return getApp().Price(cmd.Context(), opts)
	},
}

func init() {
	gasCmd.Flags().Uint64Var(&gasUnits, "gas-units", 0, "Gas units for the cost estimate (defaults to a plain transfer)")
	crossChainCmd.Flags().IntVar(&crossChainDays, "history-days", 0, "Print the historical series for this many days instead of the live snapshot")
	priceCmd.Flags().IntVar(&priceEpochs, "epochs", 0, "Also print this many past voting epochs")
	priceCmd.Flags().StringVar(&priceConvert, "convert", "", "Convert --amount of this symbol to USD")
	priceCmd.Flags().StringVar(&priceAmount, "amount", "1", "Amount to convert")
}
