package cli

import (
	"github.com/spf13/cobra"

	"gasguard/internal/app"
)

var (
	simulateObserved string
	simulateEmail    string
	simulateChatID   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Evaluate a condition against a given value and deliver the alert if it holds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Alert:          alertOptions(),
			Observed:       simulateObserved,
			Email:          simulateEmail,
			TelegramChatID: simulateChatID,
		})
	},
}

func init() {
	addConditionFlags(simulateCmd)
	simulateCmd.Flags().StringVar(&alertUser, "user", "", "User ID whose contacts receive the alert")
	simulateCmd.Flags().StringVar(&simulateObserved, "observed", "", "Observed value to evaluate")
	simulateCmd.Flags().StringVar(&simulateEmail, "email", "", "Override the recipient email address")
	simulateCmd.Flags().StringVar(&simulateChatID, "telegram-chat-id", "", "Override the recipient Telegram chat")
	_ = simulateCmd.MarkFlagRequired("type")
	_ = simulateCmd.MarkFlagRequired("operator")
	_ = simulateCmd.MarkFlagRequired("value")
	_ = simulateCmd.MarkFlagRequired("observed")
}
