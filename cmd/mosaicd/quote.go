package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"Mosaic-Protocol/internal/coordinator"
	"Mosaic-Protocol/internal/market"
)

var quoteCmd = &cobra.Command{
	Use:   "quote <quote.json>",
	Short: "Execute a previously accepted quote",
	Long: `Execute a quote file against the agents it names. The quote's
escrow deposit, when present, is registered before execution and settled or
refunded when the run finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuote,
}

func init() {
	quoteCmd.Flags().StringVar(&runWallet, "wallet", "", "用户钱包地址，在代理模式下代付")
	quoteCmd.Flags().BoolVar(&runJSON, "json", false, "以 JSON 输出完整结果")
}

func runQuote(cmd *cobra.Command, args []string) error {
	quote, err := readQuote(args[0])
	if err != nil {
		return err
	}
	return execute(cmd, func(ctx context.Context, a *app, opts []coordinator.RunOption) *market.TaskExecutionResult {
		return a.runner.ExecuteTaskWithQuote(ctx, quote, opts...)
	})
}

func readQuote(path string) (*market.Quote, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取报价失败: %w", err)
	}
	var quote market.Quote
	if err := json.Unmarshal(data, &quote); err != nil {
		return nil, fmt.Errorf("解析报价失败: %w", err)
	}
	if len(quote.Agents) == 0 {
		return nil, fmt.Errorf("报价 %s 缺少代理信息", path)
	}
	return &quote, nil
}
