package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"gasguard/internal/app"
)

var (
	alertUser      string
	alertType      string
	alertCondition string
	alertOperator  string
	alertValue     string
	alertChannels  []string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage user alerts",
}

func alertOptions() app.AlertOptions {
	return app.AlertOptions{
		UserID:    alertUser,
		AlertType: alertType,
		Condition: alertCondition,
		Operator:  alertOperator,
		Value:     alertValue,
		Channels:  alertChannels,
	}
}

var alertsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CreateAlert(cmd.Context(), alertOptions())
	},
}

var alertsUpdateCmd = &cobra.Command{
	Use:   "update <alert-id>",
	Short: "Change an alert's condition, type or channels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().UpdateAlert(cmd.Context(), args[0], alertOptions())
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's active alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertUser == "" {
			return fmt.Errorf("--user is required")
		}
		return getApp().ListAlerts(cmd.Context(), alertUser)
	},
}

var alertsDeleteCmd = &cobra.Command{
	Use:   "delete <alert-id>",
	Short: "Delete an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DeleteAlert(cmd.Context(), args[0])
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List or acknowledge in-app notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's unread notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertUser == "" {
			return fmt.Errorf("--user is required")
		}
		return getApp().Notifications(cmd.Context(), alertUser)
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid notification id: %w", err)
		}
		return getApp().MarkRead(cmd.Context(), id)
	},
}

func addConditionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&alertType, "alert-type", "", "Free-form alert label (defaults to the condition type)")
	cmd.Flags().StringVar(&alertCondition, "type", "", "Condition type: gas_price, asset_price or congestion")
	cmd.Flags().StringVar(&alertOperator, "operator", "", "Comparison: lt, lte, gt, gte or eq")
	cmd.Flags().StringVar(&alertValue, "value", "", "Target value")
	cmd.Flags().StringSliceVar(&alertChannels, "channels", nil, "Delivery channels: browser, email, telegram, discord")
}

func init() {
	alertsCmd.PersistentFlags().StringVar(&alertUser, "user", "", "User ID")
	notificationsCmd.PersistentFlags().StringVar(&alertUser, "user", "", "User ID")

	addConditionFlags(alertsCreateCmd)
	addConditionFlags(alertsUpdateCmd)
	_ = alertsCreateCmd.MarkFlagRequired("type")
	_ = alertsCreateCmd.MarkFlagRequired("operator")
	_ = alertsCreateCmd.MarkFlagRequired("value")

	alertsCmd.AddCommand(alertsCreateCmd, alertsUpdateCmd, alertsListCmd, alertsDeleteCmd)
	notificationsCmd.AddCommand(notificationsListCmd, notificationsReadCmd)
}
