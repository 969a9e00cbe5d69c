package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/FrankiePower/Reactive-autolend/internal/app"
)

var (
	simulateRateA   string
	simulateRateB   string
	simulateOutcome string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用给定利率模拟一次调仓决策 (内存 vault)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRateA == "" || simulateRateB == "" {
			return errors.New("--rate-a 与 --rate-b 必须提供")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			RateA:   simulateRateA,
			RateB:   simulateRateB,
			Outcome: simulateOutcome,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRateA, "rate-a", "", "slot A 利率, 例如 0.031")
	simulateCmd.Flags().StringVar(&simulateRateB, "rate-b", "", "slot B 利率, 例如 0.037")
	simulateCmd.Flags().StringVar(&simulateOutcome, "outcome", app.OutcomeSuccess, "模拟结果: success|failure|timeout")
}
